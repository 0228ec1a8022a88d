package followup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type mockFollowUpStore struct {
	store.FollowUpStore
	due       []models.FollowUp
	rows      map[int64]models.FollowUp
	cancelled map[int64]string
	sent      map[int64]time.Time
	failed    map[int64]bool // id -> final
	lastError string
}

func newMockFollowUpStore(due ...models.FollowUp) *mockFollowUpStore {
	m := &mockFollowUpStore{
		due:       due,
		rows:      map[int64]models.FollowUp{},
		cancelled: map[int64]string{},
		sent:      map[int64]time.Time{},
		failed:    map[int64]bool{},
	}
	for _, fu := range due {
		m.rows[fu.ID] = fu
	}
	return m
}

func (m *mockFollowUpStore) add(fu models.FollowUp) {
	m.rows[fu.ID] = fu
}

func (m *mockFollowUpStore) DueFollowUps(context.Context, time.Time, int) ([]models.FollowUp, error) {
	return m.due, nil
}

func (m *mockFollowUpStore) GetFollowUpByID(_ context.Context, id int64) (*models.FollowUp, error) {
	fu, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &fu, nil
}

func (m *mockFollowUpStore) MarkFollowUpSent(_ context.Context, id int64, at time.Time) error {
	m.sent[id] = at
	if fu, ok := m.rows[id]; ok {
		fu.Status = models.FollowUpSent
		m.rows[id] = fu
	}
	return nil
}

func (m *mockFollowUpStore) MarkFollowUpFailed(_ context.Context, id int64, lastError string, final bool) error {
	m.failed[id] = final
	m.lastError = lastError
	if fu, ok := m.rows[id]; ok {
		fu.RetryCount++
		if final {
			fu.Status = models.FollowUpError
		}
		m.rows[id] = fu
	}
	return nil
}

func (m *mockFollowUpStore) CancelFollowUp(_ context.Context, id int64, reason string) error {
	m.cancelled[id] = reason
	if fu, ok := m.rows[id]; ok {
		fu.Status = models.FollowUpCancelled
		m.rows[id] = fu
	}
	return nil
}

type mockEmailStore struct {
	store.EmailStore
	source       *models.Email
	repliedSince bool
	created      []models.EmailCreateParams
}

func (m *mockEmailStore) GetEmailByID(context.Context, int64) (*models.Email, error) {
	if m.source == nil {
		return nil, store.ErrNotFound
	}
	return m.source, nil
}

func (m *mockEmailStore) GroupHasInboundSince(context.Context, string, time.Time) (bool, error) {
	return m.repliedSince, nil
}

func (m *mockEmailStore) CreateEmail(_ context.Context, params models.EmailCreateParams) (*models.Email, error) {
	m.created = append(m.created, params)
	return &models.Email{ID: int64(100 + len(m.created))}, nil
}

type mockAccountStore struct {
	store.AccountStore
	account *models.EmailAccount
}

func (m *mockAccountStore) GetAccountByID(context.Context, int64) (*models.EmailAccount, error) {
	return m.account, nil
}

type passThroughTokens struct{}

func (passThroughTokens) EnsureAccount(_ context.Context, a *models.EmailAccount) (*models.EmailAccount, error) {
	return a, nil
}

type fakeProvider struct {
	sent    []mailer.OutboundMessage
	sendErr error
}

func (f *fakeProvider) FetchSince(context.Context, *models.EmailAccount, string, int) ([]mailer.InboundMessage, string, error) {
	return nil, "", nil
}

func (f *fakeProvider) Send(_ context.Context, _ *models.EmailAccount, msg mailer.OutboundMessage) (mailer.SendResult, error) {
	if f.sendErr != nil {
		return mailer.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return mailer.SendResult{MessageID: "<fu@x>", ThreadID: msg.ThreadID}, nil
}

func (f *fakeProvider) Capabilities() mailer.Capabilities { return mailer.Capabilities{} }

type fakeRegistry struct {
	provider *fakeProvider
}

func (f *fakeRegistry) For(*models.EmailAccount) (mailer.Provider, error) {
	return f.provider, nil
}

func testService(fus *mockFollowUpStore, emails *mockEmailStore, provider *fakeProvider) *Service {
	return NewService(fus, emails,
		&mockAccountStore{account: &models.EmailAccount{
			ID: 2, Address: "me@corp.io",
			FollowUp: models.FollowUpPolicy{Enabled: true, Signature: "Best,\nSam"},
		}},
		passThroughTokens{},
		&fakeRegistry{provider: provider},
		clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pendingFollowUp() models.FollowUp {
	return models.FollowUp{
		ID: 9, UserID: 7, EmailID: 5, AccountID: 2,
		ThreadID:            "th-1",
		ConversationGroupID: "group-1",
		SequenceNumber:      1,
		Status:              models.FollowUpPending,
		CreatedAt:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sourceEmail() *models.Email {
	return &models.Email{
		ID: 5, FromAddr: "lead@x.y", FromName: "Lead",
		Subject: "Pricing question", MessageID: "<orig@x.y>",
	}
}

func TestFireSendsInStoredThread(t *testing.T) {
	fus := newMockFollowUpStore()
	emails := &mockEmailStore{source: sourceEmail()}
	provider := &fakeProvider{}
	svc := testService(fus, emails, provider)

	fu := pendingFollowUp()
	fus.add(fu)
	if err := svc.Fire(context.Background(), &fu); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(provider.sent))
	}
	msg := provider.sent[0]
	if msg.ThreadID != "th-1" || msg.InReplyTo != "<orig@x.y>" {
		t.Errorf("not threaded: %+v", msg)
	}
	if msg.Subject != "Re: Pricing question" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "Best,\nSam") {
		t.Error("signature not appended")
	}
	if _, ok := fus.sent[9]; !ok {
		t.Error("follow-up not marked sent")
	}
	if len(emails.created) != 1 || emails.created[0].Direction != models.DirectionOutbound {
		t.Error("outbound email row not recorded")
	}
}

func TestFireSkipsNonPendingFollowUp(t *testing.T) {
	fus := newMockFollowUpStore()
	emails := &mockEmailStore{source: sourceEmail()}
	provider := &fakeProvider{}
	svc := testService(fus, emails, provider)

	// The stored row was already sent by an earlier tick; the scan handed
	// out a stale pending copy.
	row := pendingFollowUp()
	row.Status = models.FollowUpSent
	fus.add(row)

	stale := pendingFollowUp()
	if err := svc.Fire(context.Background(), &stale); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(provider.sent) != 0 {
		t.Error("already-sent follow-up must not send again")
	}
	if _, ok := fus.sent[9]; ok {
		t.Error("skipped follow-up must not be re-marked sent")
	}
}

func TestFireLateCancelsOnReply(t *testing.T) {
	fus := newMockFollowUpStore()
	emails := &mockEmailStore{source: sourceEmail(), repliedSince: true}
	provider := &fakeProvider{}
	svc := testService(fus, emails, provider)

	fu := pendingFollowUp()
	fus.add(fu)
	if err := svc.Fire(context.Background(), &fu); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(provider.sent) != 0 {
		t.Error("cancelled follow-up must not send")
	}
	if reason := fus.cancelled[9]; !strings.Contains(reason, "late cancel") {
		t.Errorf("cancel reason = %q", reason)
	}
}

func TestFireFailureIncrementsRetry(t *testing.T) {
	fus := newMockFollowUpStore()
	emails := &mockEmailStore{source: sourceEmail()}
	provider := &fakeProvider{sendErr: mailer.ErrProviderUnavailable}
	svc := testService(fus, emails, provider)

	fu := pendingFollowUp()
	fus.add(fu)
	if err := svc.Fire(context.Background(), &fu); err == nil {
		t.Fatal("Fire should propagate the send error")
	}
	final, ok := fus.failed[9]
	if !ok {
		t.Fatal("failure not recorded")
	}
	if final {
		t.Error("first failure must not be final")
	}
}

func TestFireThirdFailureIsFinal(t *testing.T) {
	fus := newMockFollowUpStore()
	emails := &mockEmailStore{source: sourceEmail()}
	svc := testService(fus, emails, &fakeProvider{sendErr: errors.New("smtp down")})

	fu := pendingFollowUp()
	fu.RetryCount = 2
	fus.add(fu)
	if err := svc.Fire(context.Background(), &fu); err == nil {
		t.Fatal("Fire should propagate the send error")
	}
	if final := fus.failed[9]; !final {
		t.Error("third failure should move the follow-up to error")
	}
	if fus.lastError == "" {
		t.Error("last error not recorded")
	}
}

func TestProcessDueContinuesPastFailures(t *testing.T) {
	bad := pendingFollowUp()
	bad.ID = 9
	good := pendingFollowUp()
	good.ID = 10
	good.SequenceNumber = 2

	fus := newMockFollowUpStore(bad, good)
	emails := &mockEmailStore{source: sourceEmail()}
	provider := &fakeProvider{}
	svc := testService(fus, emails, provider)

	provider.sendErr = errors.New("transient")
	if err := svc.ProcessDue(context.Background()); err == nil {
		t.Fatal("ProcessDue should surface the first failure")
	}
	// Both rows were attempted despite the failures.
	if _, ok := fus.failed[9]; !ok {
		t.Error("first follow-up failure not recorded")
	}
	if _, ok := fus.failed[10]; !ok {
		t.Error("batch stopped at the first failure")
	}

	provider.sendErr = nil
	if err := svc.ProcessDue(context.Background()); err != nil {
		t.Fatalf("ProcessDue retry: %v", err)
	}
	if _, ok := fus.sent[10]; !ok {
		t.Error("second follow-up never sent")
	}
}
