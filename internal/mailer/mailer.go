// Package mailer defines the mail provider abstraction and its Gmail and
// IMAP/SMTP implementations. Providers fetch inbound messages past a cursor
// and send outbound replies, normalizing provider errors into a small
// taxonomy the poller and pipeline react to.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/models"
)

var (
	// ErrProviderUnavailable marks transient provider-side failures worth
	// retrying (5xx, connection failures, open circuit breaker).
	ErrProviderUnavailable = errors.New("mail provider unavailable")

	// ErrInvalidCredentials marks authentication failures. The account should
	// be marked errored rather than retried.
	ErrInvalidCredentials = errors.New("invalid mail credentials")

	// ErrMalformed marks permanently unprocessable requests or messages.
	ErrMalformed = errors.New("malformed mail request")
)

// RateLimitedError reports provider throttling, carrying the retry hint when
// the provider supplied one.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("mail provider rate limited, retry after %s", e.RetryAfter)
	}
	return "mail provider rate limited"
}

// InboundMessage is a provider-agnostic inbound email.
type InboundMessage struct {
	MessageID  string
	ThreadID   string
	InReplyTo  string
	References []string

	FromAddr string
	FromName string
	ToAddrs  []string
	Subject  string
	BodyText string
	BodyHTML string

	ReceivedAt time.Time
}

// Body returns the plain-text body, falling back to a text rendering of the
// HTML part when no text part exists.
func (m *InboundMessage) Body() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	return HTMLToText(m.BodyHTML)
}

// OutboundMessage is a provider-agnostic outgoing email. InReplyTo,
// References and ThreadID thread the message into an existing conversation
// when set.
type OutboundMessage struct {
	To         []string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
	ThreadID   string
}

// SendResult carries the provider identifiers assigned to a sent message.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// Capabilities describes what a provider supports so callers can adapt
// threading behavior.
type Capabilities struct {
	// ProviderThreads is true when the provider assigns server-side thread
	// ids. Without it, threading relies on In-Reply-To/References headers.
	ProviderThreads bool
	HTML            bool
	Attachments     bool
}

// Provider fetches and sends mail for one account kind. Implementations must
// be safe for concurrent use across accounts.
type Provider interface {
	// FetchSince returns inbound messages received after the cursor, oldest
	// first, plus the cursor to persist for the next poll. Cursors are opaque
	// to callers; an empty cursor means "start from now". At most max messages
	// are returned per call.
	FetchSince(ctx context.Context, account *models.EmailAccount, cursor string, max int) ([]InboundMessage, string, error)

	// Send delivers an outbound message from the account.
	Send(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (SendResult, error)

	Capabilities() Capabilities
}

// Registry selects the provider for an account by its kind.
type Registry struct {
	providers map[models.AccountKind]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[models.AccountKind]Provider)}
}

func (r *Registry) Register(kind models.AccountKind, p Provider) {
	r.providers[kind] = p
}

// For returns the provider for the account's kind.
func (r *Registry) For(account *models.EmailAccount) (Provider, error) {
	p, ok := r.providers[account.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for account kind %q", ErrMalformed, account.Kind)
	}
	return p, nil
}

// cursorTime parses an RFC3339 cursor, returning the zero time for empty or
// unparseable cursors.
func cursorTime(cursor string) time.Time {
	if cursor == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// formatCursor renders a cursor for persistence.
func formatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// inWindow reports whether a fetched message belongs to the poll window.
// The boundary instant is included: a second message sharing the cursor
// timestamp with the last one fetched must not be dropped, and the store's
// duplicate check absorbs re-fetches of the ones already seen.
func inWindow(receivedAt, since time.Time) bool {
	return !receivedAt.Before(since)
}
