package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/ratelimit"
	"github.com/inboxpilot/inboxpilot/internal/secret"
)

const (
	imapDialTimeout = 30 * time.Second

	outlookIMAPHost = "outlook.office365.com:993"
	outlookSMTPHost = "smtp.office365.com"
	outlookSMTPPort = 587
)

// IMAPProvider fetches via IMAP and sends via SMTP. It serves plain
// IMAP/SMTP accounts with a stored password and Outlook accounts with
// XOAUTH2 against the Office 365 endpoints.
type IMAPProvider struct {
	box     *secret.Box
	limiter *ratelimit.Limiter
	clock   clock.Clock
	logger  *slog.Logger
}

func NewIMAPProvider(box *secret.Box, limiter *ratelimit.Limiter, clk clock.Clock, logger *slog.Logger) *IMAPProvider {
	return &IMAPProvider{
		box:     box,
		limiter: limiter,
		clock:   clk,
		logger:  logger.With("component", "imap_provider"),
	}
}

func (p *IMAPProvider) Capabilities() Capabilities {
	return Capabilities{ProviderThreads: false, HTML: true}
}

func (p *IMAPProvider) FetchSince(ctx context.Context, account *models.EmailAccount, cursor string, max int) ([]InboundMessage, string, error) {
	since := cursorTime(cursor)
	now := p.clock.Now().UTC()
	if since.IsZero() {
		return nil, formatCursor(now), nil
	}
	if max <= 0 || max > 100 {
		max = 50
	}

	if err := p.limiter.Wait(ctx, imapKey(account)); err != nil {
		return nil, cursor, err
	}

	c, err := p.connect(ctx, account)
	if err != nil {
		return nil, cursor, err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return nil, cursor, fmt.Errorf("%w: select inbox: %v", ErrProviderUnavailable, err)
	}

	// SINCE has day granularity; the post-filter below enforces the exact
	// cursor instant.
	criteria := imap.NewSearchCriteria()
	criteria.Since = since.Truncate(24 * time.Hour)
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, cursor, fmt.Errorf("%w: search: %v", ErrProviderUnavailable, err)
	}
	if len(uids) == 0 {
		return nil, formatCursor(now), nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > max {
		uids = uids[:max]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, ch)
	}()

	var messages []InboundMessage
	latest := since
	for msg := range ch {
		inbound, err := p.parseMessage(msg, section)
		if err != nil {
			p.logger.Warn("skipping unparseable message", "uid", msg.Uid, "error", err)
			continue
		}
		if !inWindow(inbound.ReceivedAt, since) {
			continue
		}
		if inbound.ReceivedAt.After(latest) {
			latest = inbound.ReceivedAt
		}
		messages = append(messages, inbound)
	}
	if err := <-done; err != nil {
		return nil, cursor, fmt.Errorf("%w: fetch: %v", ErrProviderUnavailable, err)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	next := formatCursor(latest)
	if len(messages) == 0 {
		next = formatCursor(now)
	}
	return messages, next, nil
}

func (p *IMAPProvider) connect(ctx context.Context, account *models.EmailAccount) (*client.Client, error) {
	host := account.IMAPHost
	if account.Kind == models.AccountOutlook {
		host = outlookIMAPHost
	}
	if host == "" {
		return nil, fmt.Errorf("%w: account %d has no IMAP host", ErrMalformed, account.ID)
	}
	if !strings.Contains(host, ":") {
		host += ":993"
	}

	dialer := &net.Dialer{Timeout: imapDialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", host, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProviderUnavailable, host, err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: imap handshake: %v", ErrProviderUnavailable, err)
	}

	switch account.Kind {
	case models.AccountOutlook:
		if err := c.Authenticate(newXOAuth2Client(account.Address, account.AccessToken)); err != nil {
			c.Logout()
			return nil, fmt.Errorf("%w: xoauth2: %v", ErrInvalidCredentials, err)
		}
	default:
		password, err := p.box.Open(account.EncryptedPassword)
		if err != nil {
			c.Logout()
			return nil, fmt.Errorf("%w: decrypt password: %v", ErrInvalidCredentials, err)
		}
		if err := c.Login(account.Address, password); err != nil {
			c.Logout()
			return nil, fmt.Errorf("%w: login: %v", ErrInvalidCredentials, err)
		}
	}
	return c, nil
}

func (p *IMAPProvider) parseMessage(msg *imap.Message, section *imap.BodySectionName) (InboundMessage, error) {
	inbound := InboundMessage{ReceivedAt: msg.InternalDate.UTC()}

	if env := msg.Envelope; env != nil {
		inbound.MessageID = env.MessageId
		inbound.InReplyTo = env.InReplyTo
		inbound.Subject = env.Subject
		if inbound.ReceivedAt.IsZero() {
			inbound.ReceivedAt = env.Date.UTC()
		}
		if len(env.From) > 0 {
			inbound.FromAddr = env.From[0].Address()
			inbound.FromName = env.From[0].PersonalName
		}
		for _, to := range env.To {
			inbound.ToAddrs = append(inbound.ToAddrs, to.Address())
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return inbound, errors.New("no body section")
	}

	mr, err := mail.CreateReader(body)
	if err != nil {
		return inbound, fmt.Errorf("create mail reader: %w", err)
	}

	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		for _, ref := range refs {
			inbound.References = append(inbound.References, "<"+ref+">")
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := header.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/plain") && inbound.BodyText == "":
			inbound.BodyText = string(data)
		case strings.HasPrefix(ct, "text/html") && inbound.BodyHTML == "":
			inbound.BodyHTML = string(data)
		}
	}

	if inbound.MessageID == "" {
		return inbound, errors.New("missing message id")
	}
	return inbound, nil
}

func (p *IMAPProvider) Send(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (SendResult, error) {
	if len(msg.To) == 0 {
		return SendResult{}, fmt.Errorf("%w: no recipients", ErrMalformed)
	}
	if err := p.limiter.Wait(ctx, imapKey(account)); err != nil {
		return SendResult{}, err
	}

	host := account.SMTPHost
	port := account.SMTPPort
	var auth smtp.Auth
	switch account.Kind {
	case models.AccountOutlook:
		host = outlookSMTPHost
		port = outlookSMTPPort
		auth = xoauth2SMTPAuth{user: account.Address, token: account.AccessToken}
	default:
		if host == "" {
			return SendResult{}, fmt.Errorf("%w: account %d has no SMTP host", ErrMalformed, account.ID)
		}
		if port == 0 {
			port = 587
		}
		password, err := p.box.Open(account.EncryptedPassword)
		if err != nil {
			return SendResult{}, fmt.Errorf("%w: decrypt password: %v", ErrInvalidCredentials, err)
		}
		auth = smtp.PlainAuth("", account.Address, password, host)
	}

	messageID := newMessageID(account.Address)
	raw := buildRFC822WithID(account.Address, messageID, msg)

	addr := fmt.Sprintf("%s:%d", host, port)
	if err := smtp.SendMail(addr, auth, account.Address, msg.To, []byte(raw)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "auth") {
			return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return SendResult{}, fmt.Errorf("%w: smtp send: %v", ErrProviderUnavailable, err)
	}

	// IMAP has no server-side thread id; reuse the one we were handed so the
	// conversation key stays stable.
	return SendResult{MessageID: messageID, ThreadID: msg.ThreadID}, nil
}

func imapKey(account *models.EmailAccount) string {
	return fmt.Sprintf("imap:%d", account.ID)
}

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Office 365
// IMAP.
type xoauth2Client struct {
	user  string
	token string
}

func newXOAuth2Client(user, token string) sasl.Client {
	return &xoauth2Client{user: user, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.user, c.token)
	return "XOAUTH2", []byte(resp), nil
}

func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	// The server only continues after a failure; returning an empty response
	// makes it report the actual error.
	return []byte(""), nil
}

// xoauth2SMTPAuth implements XOAUTH2 for net/smtp.
type xoauth2SMTPAuth struct {
	user  string
	token string
}

func (a xoauth2SMTPAuth) Start(*smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.user, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a xoauth2SMTPAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte(""), nil
	}
	return nil, nil
}
