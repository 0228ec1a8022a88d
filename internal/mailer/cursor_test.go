package mailer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/ratelimit"
)

func TestInWindowIncludesBoundaryInstant(t *testing.T) {
	since := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		receivedAt time.Time
		want       bool
	}{
		{"before cursor", since.Add(-time.Second), false},
		{"at cursor", since, true},
		{"after cursor", since.Add(time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inWindow(tt.receivedAt, since); got != tt.want {
				t.Errorf("inWindow(%v, %v) = %v, want %v", tt.receivedAt, since, got, tt.want)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 15, 0, time.UTC)
	if got := cursorTime(formatCursor(at)); !got.Equal(at) {
		t.Errorf("round trip = %v, want %v", got, at)
	}
	if !cursorTime("").IsZero() {
		t.Error("empty cursor should parse to the zero time")
	}
	if !cursorTime("not a timestamp").IsZero() {
		t.Error("garbage cursor should parse to the zero time")
	}
}

// The first poll for an account returns no messages and a baseline cursor
// taken from the injected clock, without touching the provider API.
func TestFirstPollBaselineUsesInjectedClock(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	account := &models.EmailAccount{ID: 1, Address: "me@corp.io"}

	providers := map[string]Provider{
		"gmail": NewGmailProvider(ratelimit.NewLimiter(1, 1), clk, logger),
		"imap":  NewIMAPProvider(nil, ratelimit.NewLimiter(1, 1), clk, logger),
	}
	for name, p := range providers {
		msgs, cursor, err := p.FetchSince(context.Background(), account, "", 50)
		if err != nil {
			t.Fatalf("%s: FetchSince: %v", name, err)
		}
		if len(msgs) != 0 {
			t.Errorf("%s: first poll returned %d messages, want 0", name, len(msgs))
		}
		if cursor != formatCursor(now) {
			t.Errorf("%s: baseline cursor = %q, want %q", name, cursor, formatCursor(now))
		}
	}
}
