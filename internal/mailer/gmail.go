package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/ratelimit"
)

// gmailFetchQuery narrows polling to unread inbound mail, skipping bulk
// categories and the account's own sent messages.
const gmailFetchQuery = "-category:promotions -category:social -category:forums -in:sent is:unread"

// GmailProvider talks to the Gmail API using the account's OAuth access
// token. Callers are expected to run accounts through the token manager
// first.
type GmailProvider struct {
	limiter *ratelimit.Limiter
	cb      *gobreaker.CircuitBreaker
	clock   clock.Clock
	logger  *slog.Logger
}

func NewGmailProvider(limiter *ratelimit.Limiter, clk clock.Clock, logger *slog.Logger) *GmailProvider {
	log := logger.With("component", "gmail_provider")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &GmailProvider{limiter: limiter, cb: cb, clock: clk, logger: log}
}

func (p *GmailProvider) Capabilities() Capabilities {
	return Capabilities{ProviderThreads: true, HTML: true}
}

func (p *GmailProvider) service(ctx context.Context, account *models.EmailAccount) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: account.AccessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return svc, nil
}

func (p *GmailProvider) FetchSince(ctx context.Context, account *models.EmailAccount, cursor string, max int) ([]InboundMessage, string, error) {
	since := cursorTime(cursor)
	now := p.clock.Now().UTC()
	if since.IsZero() {
		// First poll for this account: establish a baseline instead of
		// processing the backlog.
		return nil, formatCursor(now), nil
	}
	if max <= 0 || max > 100 {
		max = 50
	}

	if err := p.limiter.Wait(ctx, gmailKey(account)); err != nil {
		return nil, cursor, err
	}

	svc, err := p.service(ctx, account)
	if err != nil {
		return nil, cursor, err
	}

	query := fmt.Sprintf("after:%d %s", since.Unix(), gmailFetchQuery)

	var listResp *gmail.ListMessagesResponse
	err = p.execute(func() error {
		var apiErr error
		listResp, apiErr = svc.Users.Messages.List("me").Q(query).MaxResults(int64(max)).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, cursor, p.classify(err, "list messages")
	}

	messages := make([]InboundMessage, 0, len(listResp.Messages))
	latest := since
	for _, ref := range listResp.Messages {
		var full *gmail.Message
		err = p.execute(func() error {
			var apiErr error
			full, apiErr = svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, cursor, p.classify(err, "get message")
		}

		msg := p.convert(full)
		// The after: query has day granularity; enforce the exact cursor
		// instant ourselves.
		if !inWindow(msg.ReceivedAt, since) {
			continue
		}
		if msg.ReceivedAt.After(latest) {
			latest = msg.ReceivedAt
		}
		messages = append(messages, msg)
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

func (p *GmailProvider) Send(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (SendResult, error) {
	if len(msg.To) == 0 {
		return SendResult{}, fmt.Errorf("%w: no recipients", ErrMalformed)
	}
	if err := p.limiter.Wait(ctx, gmailKey(account)); err != nil {
		return SendResult{}, err
	}

	svc, err := p.service(ctx, account)
	if err != nil {
		return SendResult{}, err
	}

	raw := buildRFC822(account.Address, msg)
	gmailMsg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
		ThreadId: msg.ThreadID,
	}

	var sent *gmail.Message
	err = p.execute(func() error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send("me", gmailMsg).Context(ctx).Do()
		return apiErr
	})
	if err != nil && msg.ThreadID != "" && isNotFound(err) {
		// The thread id may belong to a mailbox state we no longer see.
		// Deliver without threading rather than dropping the reply.
		p.logger.Warn("thread not found, sending unthreaded", "thread_id", msg.ThreadID)
		gmailMsg.ThreadId = ""
		err = p.execute(func() error {
			var apiErr error
			sent, apiErr = svc.Users.Messages.Send("me", gmailMsg).Context(ctx).Do()
			return apiErr
		})
	}
	if err != nil {
		return SendResult{}, p.classify(err, "send message")
	}

	return SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// execute runs an API call behind the circuit breaker. Client errors do not
// trip the breaker.
func (p *GmailProvider) execute(fn func() error) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				default:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	return err
}

// classify maps Gmail API failures onto the provider error taxonomy.
func (p *GmailProvider) classify(err error, op string) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: circuit open", ErrProviderUnavailable, op)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return fmt.Errorf("%w: %s: %v", ErrInvalidCredentials, op, err)
		case 429:
			retryAfter := retryAfterFrom(apiErr)
			p.logger.Warn("gmail rate limited", "op", op, "retry_after", retryAfter)
			return &RateLimitedError{RetryAfter: retryAfter}
		case 400, 404:
			return fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
		}
		if apiErr.Code >= 500 {
			return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}

func (p *GmailProvider) convert(msg *gmail.Message) InboundMessage {
	out := InboundMessage{
		ThreadID:   msg.ThreadId,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return out
	}

	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Message-ID", "Message-Id":
			out.MessageID = h.Value
		case "In-Reply-To":
			out.InReplyTo = h.Value
		case "References":
			out.References = strings.Fields(h.Value)
		case "Subject":
			out.Subject = h.Value
		case "From":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				out.FromAddr = addr.Address
				out.FromName = addr.Name
			} else {
				out.FromAddr = h.Value
			}
		case "To":
			if addrs, err := mail.ParseAddressList(h.Value); err == nil {
				for _, a := range addrs {
					out.ToAddrs = append(out.ToAddrs, a.Address)
				}
			}
		}
	}
	if out.MessageID == "" {
		// Fall back to the provider id so the dedup key is never empty.
		out.MessageID = msg.Id
	}

	extractGmailBody(msg.Payload, &out)
	return out
}

func extractGmailBody(part *gmail.MessagePart, out *InboundMessage) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain") && out.BodyText == "":
				out.BodyText = string(data)
			case strings.HasPrefix(part.MimeType, "text/html") && out.BodyHTML == "":
				out.BodyHTML = string(data)
			}
		}
	}
	for _, child := range part.Parts {
		extractGmailBody(child, out)
	}
}

func retryAfterFrom(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header != nil {
		if v := apiErr.Header.Get("Retry-After"); v != "" {
			if d, err := time.ParseDuration(v + "s"); err == nil {
				return d
			}
		}
	}
	return 0
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return isNotFound(nce.err)
	}
	return false
}

func gmailKey(account *models.EmailAccount) string {
	return fmt.Sprintf("gmail:%d", account.ID)
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

func (e *nonCircuitError) Unwrap() error { return e.err }
