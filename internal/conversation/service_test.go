package conversation

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type mockEmailStore struct {
	store.EmailStore
	emails     []models.Email
	gotGroupID string
	gotExclude int64
	gotLimit   int
}

func (m *mockEmailStore) ListEmailsByGroup(_ context.Context, _ int64, groupID string, excludeID int64, limit int) ([]models.Email, error) {
	m.gotGroupID = groupID
	m.gotExclude = excludeID
	m.gotLimit = limit
	return m.emails, nil
}

type mockFollowUpStore struct {
	store.FollowUpStore
	cancelled  int64
	gotGroupID string
	gotReason  string
}

func (m *mockFollowUpStore) CancelPendingByGroup(_ context.Context, groupID, reason string) (int64, error) {
	m.gotGroupID = groupID
	m.gotReason = reason
	return m.cancelled, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGroupIDNormalizesSender(t *testing.T) {
	base := GroupID(7, "lead@example.com")

	if GroupID(7, "LEAD@Example.COM") != base {
		t.Error("group id should be case-insensitive on the sender")
	}
	if GroupID(7, "  lead@example.com  ") != base {
		t.Error("group id should trim whitespace")
	}
	if GroupID(8, "lead@example.com") == base {
		t.Error("different users must get different groups")
	}
	if GroupID(7, "other@example.com") == base {
		t.Error("different senders must get different groups")
	}
	if len(base) != 64 {
		t.Errorf("group id length = %d, want 64 hex chars", len(base))
	}
}

func TestAggregateContext(t *testing.T) {
	at := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)
	emails := &mockEmailStore{emails: []models.Email{
		{Direction: models.DirectionOutbound, Subject: "Re: Pricing", Body: "Here is our pricing.", ReceivedAt: at},
		{Direction: models.DirectionInbound, Subject: "Pricing", Body: "What does it cost?", ReceivedAt: at.Add(-time.Hour)},
	}}
	svc := NewService(emails, &mockFollowUpStore{}, testLogger())

	got, err := svc.AggregateContext(context.Background(), 7, "lead@example.com", 42, 0)
	if err != nil {
		t.Fatalf("AggregateContext: %v", err)
	}
	if !strings.Contains(got, "You replied") || !strings.Contains(got, "They wrote") {
		t.Errorf("context missing direction labels:\n%s", got)
	}
	if !strings.Contains(got, "Here is our pricing.") {
		t.Errorf("context missing body:\n%s", got)
	}
	if emails.gotGroupID != GroupID(7, "lead@example.com") {
		t.Errorf("queried group %q", emails.gotGroupID)
	}
	if emails.gotExclude != 42 {
		t.Errorf("exclude id = %d, want 42", emails.gotExclude)
	}
	if emails.gotLimit != defaultContextLimit {
		t.Errorf("limit = %d, want default %d", emails.gotLimit, defaultContextLimit)
	}
}

func TestAggregateContextEmptyHistory(t *testing.T) {
	svc := NewService(&mockEmailStore{}, &mockFollowUpStore{}, testLogger())

	got, err := svc.AggregateContext(context.Background(), 7, "new@example.com", 0, 5)
	if err != nil {
		t.Fatalf("AggregateContext: %v", err)
	}
	if got != "" {
		t.Errorf("context = %q, want empty for no history", got)
	}
}

func TestAggregateContextTruncatesLongBodies(t *testing.T) {
	long := strings.Repeat("x", maxContextBody+100)
	emails := &mockEmailStore{emails: []models.Email{
		{Direction: models.DirectionInbound, Subject: "s", Body: long, ReceivedAt: time.Now()},
	}}
	svc := NewService(emails, &mockFollowUpStore{}, testLogger())

	got, err := svc.AggregateContext(context.Background(), 1, "a@b.c", 0, 5)
	if err != nil {
		t.Fatalf("AggregateContext: %v", err)
	}
	if strings.Contains(got, long) {
		t.Error("long body was not truncated")
	}
	if !strings.Contains(got, "...") {
		t.Error("truncated body should end with ellipsis")
	}
}

func TestCancelPendingFollowUps(t *testing.T) {
	followUps := &mockFollowUpStore{cancelled: 3}
	svc := NewService(&mockEmailStore{}, followUps, testLogger())

	n, err := svc.CancelPendingFollowUps(context.Background(), 7, "Lead@Example.com", "reply_received")
	if err != nil {
		t.Fatalf("CancelPendingFollowUps: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled = %d, want 3", n)
	}
	if followUps.gotGroupID != GroupID(7, "lead@example.com") {
		t.Errorf("cancelled group %q, want normalized group id", followUps.gotGroupID)
	}
	if followUps.gotReason != "reply_received" {
		t.Errorf("reason = %q", followUps.gotReason)
	}
}
