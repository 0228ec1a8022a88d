package meeting

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/calendar"
	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/llm"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type mockProviderStore struct {
	store.CalendarProviderStore
	provider *models.CalendarProvider
}

func (m *mockProviderStore) GetActiveCalendarProviderByUserID(context.Context, int64) (*models.CalendarProvider, error) {
	if m.provider == nil {
		return nil, store.ErrNotFound
	}
	return m.provider, nil
}

type mockEventStore struct {
	store.CalendarEventStore
	byThread  *models.CalendarEvent
	created   *models.CalendarEvent
	needing   []models.CalendarEvent
	reminded  []int64
	newWindow *time.Time
}

func (m *mockEventStore) CreateCalendarEvent(_ context.Context, params models.CalendarEventCreateParams) (*models.CalendarEvent, error) {
	m.created = &models.CalendarEvent{
		ID:              101,
		UserID:          params.UserID,
		ProviderID:      params.ProviderID,
		ExternalEventID: params.ExternalEventID,
		Title:           params.Title,
		StartAt:         params.StartAt,
		EndAt:           params.EndAt,
		Timezone:        params.Timezone,
		Attendees:       params.Attendees,
		Location:        params.Location,
		MeetLink:        params.MeetLink,
		HTMLLink:        params.HTMLLink,
		Conflicts:       params.Conflicts,
		SourceEmailID:   params.SourceEmailID,
		ThreadID:        params.ThreadID,
	}
	return m.created, nil
}

func (m *mockEventStore) GetCalendarEventByThread(_ context.Context, _ int64, threadID string) (*models.CalendarEvent, error) {
	if m.byThread != nil && m.byThread.ThreadID == threadID {
		return m.byThread, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockEventStore) UpdateCalendarEventWindow(_ context.Context, _ int64, start, _ time.Time, _ string, _ []string) error {
	m.newWindow = &start
	return nil
}

func (m *mockEventStore) ListEventsNeedingReminder(context.Context, time.Time, time.Time) ([]models.CalendarEvent, error) {
	return m.needing, nil
}

func (m *mockEventStore) MarkReminderSent(_ context.Context, id int64) error {
	m.reminded = append(m.reminded, id)
	return nil
}

type mockEmailStore struct {
	store.EmailStore
	email *models.Email
}

func (m *mockEmailStore) GetEmailByID(context.Context, int64) (*models.Email, error) {
	if m.email == nil {
		return nil, store.ErrNotFound
	}
	return m.email, nil
}

type mockAccountStore struct {
	store.AccountStore
	account *models.EmailAccount
}

func (m *mockAccountStore) GetAccountByID(context.Context, int64) (*models.EmailAccount, error) {
	if m.account == nil {
		return nil, store.ErrNotFound
	}
	return m.account, nil
}

type passThroughTokens struct{}

func (passThroughTokens) EnsureAccount(_ context.Context, a *models.EmailAccount) (*models.EmailAccount, error) {
	return a, nil
}

func (passThroughTokens) EnsureCalendarProvider(_ context.Context, p *models.CalendarProvider) (*models.CalendarProvider, error) {
	return p, nil
}

type fakeCalendar struct {
	busy    []calendar.BusyInterval
	created *calendar.EventRequest
	updated *calendar.EventRequest
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ *models.CalendarProvider, req calendar.EventRequest) (*calendar.Event, error) {
	f.created = &req
	return &calendar.Event{ExternalID: "ext-1", MeetLink: "https://meet.example/x", HTMLLink: "https://cal.example/x"}, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ *models.CalendarProvider, _ string, req calendar.EventRequest) (*calendar.Event, error) {
	f.updated = &req
	return &calendar.Event{ExternalID: "ext-1"}, nil
}

func (f *fakeCalendar) ListBusy(context.Context, *models.CalendarProvider, time.Time, time.Time) ([]calendar.BusyInterval, error) {
	return f.busy, nil
}

type fakeMailProvider struct {
	sent []mailer.OutboundMessage
}

func (f *fakeMailProvider) FetchSince(context.Context, *models.EmailAccount, string, int) ([]mailer.InboundMessage, string, error) {
	return nil, "", nil
}

func (f *fakeMailProvider) Send(_ context.Context, _ *models.EmailAccount, msg mailer.OutboundMessage) (mailer.SendResult, error) {
	f.sent = append(f.sent, msg)
	return mailer.SendResult{MessageID: "<r@x>", ThreadID: msg.ThreadID}, nil
}

func (f *fakeMailProvider) Capabilities() mailer.Capabilities { return mailer.Capabilities{} }

type fakeMailRegistry struct {
	provider *fakeMailProvider
}

func (f *fakeMailRegistry) For(*models.EmailAccount) (mailer.Provider, error) {
	return f.provider, nil
}

func newTestService(providers *mockProviderStore, events *mockEventStore, emails *mockEmailStore, accounts *mockAccountStore, cal *fakeCalendar, mail *fakeMailRegistry) *Service {
	return NewService(providers, events, emails, accounts, passThroughTokens{}, cal, mail,
		clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func details(start time.Time) llm.MeetingDetails {
	return llm.MeetingDetails{
		Title:    "Intro call",
		Start:    start,
		End:      start.Add(time.Hour),
		Timezone: "UTC",
	}
}

func TestHandleDetectedNoProviderIsNoOp(t *testing.T) {
	cal := &fakeCalendar{}
	svc := newTestService(&mockProviderStore{}, &mockEventStore{}, &mockEmailStore{}, &mockAccountStore{}, cal, &fakeMailRegistry{})

	event, err := svc.HandleDetected(context.Background(), &models.Email{UserID: 7}, details(time.Now()))
	if err != nil {
		t.Fatalf("HandleDetected: %v", err)
	}
	if event != nil {
		t.Error("event should be nil without a calendar provider")
	}
	if cal.created != nil {
		t.Error("no provider call expected")
	}
}

func TestHandleDetectedNoStartTimeIsNoOp(t *testing.T) {
	svc := newTestService(&mockProviderStore{provider: &models.CalendarProvider{ID: 1}}, &mockEventStore{}, &mockEmailStore{}, &mockAccountStore{}, &fakeCalendar{}, &fakeMailRegistry{})

	event, err := svc.HandleDetected(context.Background(), &models.Email{UserID: 7}, llm.MeetingDetails{Title: "vague"})
	if err != nil || event != nil {
		t.Fatalf("event = %v, err = %v; want nil, nil", event, err)
	}
}

func TestHandleDetectedCreatesEventWithConflicts(t *testing.T) {
	start := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{busy: []calendar.BusyInterval{
		{Start: start.Add(30 * time.Minute), End: start.Add(90 * time.Minute)}, // overlaps
		{Start: start.Add(-3 * time.Hour), End: start.Add(-2 * time.Hour)},    // outside
	}}
	events := &mockEventStore{}
	svc := newTestService(&mockProviderStore{provider: &models.CalendarProvider{ID: 1, AccessToken: "t"}}, events, &mockEmailStore{}, &mockAccountStore{}, cal, &fakeMailRegistry{})

	email := &models.Email{ID: 5, UserID: 7, ThreadID: "th-1", FromAddr: "lead@x.y", FromName: "Lead", Subject: "Meet?"}
	event, err := svc.HandleDetected(context.Background(), email, details(start))
	if err != nil {
		t.Fatalf("HandleDetected: %v", err)
	}
	if event == nil {
		t.Fatal("event not created")
	}
	if len(event.Conflicts) != 1 {
		t.Errorf("conflicts = %v, want exactly the overlapping interval", event.Conflicts)
	}
	if event.ExternalEventID != "ext-1" {
		t.Errorf("external id = %q", event.ExternalEventID)
	}
	if event.MeetLink == "" {
		t.Error("meet link not persisted")
	}
	if event.SourceEmailID != 5 || event.ThreadID != "th-1" {
		t.Errorf("event linkage = (%d, %q)", event.SourceEmailID, event.ThreadID)
	}
	if cal.created == nil || !containsFold(cal.created.Attendees, "lead@x.y") {
		t.Error("sender not added to attendees")
	}
	if !cal.created.RequestMeetLink {
		t.Error("virtual meeting should request a conference link")
	}
}

func TestHandleDetectedReschedulesExistingThreadEvent(t *testing.T) {
	oldStart := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	newStart := time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC)
	existing := &models.CalendarEvent{
		ID: 11, ThreadID: "th-1", ExternalEventID: "ext-1",
		Title: "Intro call", StartAt: oldStart, EndAt: oldStart.Add(time.Hour),
		MeetLink: "https://meet.example/x",
	}
	cal := &fakeCalendar{}
	events := &mockEventStore{byThread: existing}
	svc := newTestService(&mockProviderStore{provider: &models.CalendarProvider{ID: 1}}, events, &mockEmailStore{}, &mockAccountStore{}, cal, &fakeMailRegistry{})

	email := &models.Email{ID: 6, UserID: 7, ThreadID: "th-1", FromAddr: "lead@x.y"}
	event, err := svc.HandleDetected(context.Background(), email, details(newStart))
	if err != nil {
		t.Fatalf("HandleDetected: %v", err)
	}
	if cal.created != nil {
		t.Error("reschedule must not create a second event")
	}
	if cal.updated == nil {
		t.Fatal("UpdateEvent not called")
	}
	if event.ID != 11 || event.ExternalEventID != "ext-1" {
		t.Errorf("external event id not preserved: %+v", event)
	}
	if !event.StartAt.Equal(newStart) {
		t.Errorf("start = %v, want %v", event.StartAt, newStart)
	}
	if events.newWindow == nil || !events.newWindow.Equal(newStart) {
		t.Error("new window not persisted")
	}
	if event.ReminderSent {
		t.Error("reminder flag should reset on reschedule")
	}
}

func TestSendDueReminders(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	events := &mockEventStore{needing: []models.CalendarEvent{{
		ID: 3, SourceEmailID: 5, ThreadID: "th-1",
		Title: "Intro call", StartAt: start, MeetLink: "https://meet.example/x",
	}}}
	emails := &mockEmailStore{email: &models.Email{
		ID: 5, AccountID: 2, FromAddr: "lead@x.y",
		MessageID: "<orig@x.y>", References: []string{"<root@x.y>"},
	}}
	accounts := &mockAccountStore{account: &models.EmailAccount{ID: 2, Kind: models.AccountIMAPSMTP}}
	mail := &fakeMailRegistry{provider: &fakeMailProvider{}}
	svc := newTestService(&mockProviderStore{}, events, emails, accounts, &fakeCalendar{}, mail)

	if err := svc.SendDueReminders(context.Background()); err != nil {
		t.Fatalf("SendDueReminders: %v", err)
	}
	if len(mail.provider.sent) != 1 {
		t.Fatalf("sent %d reminders, want 1", len(mail.provider.sent))
	}
	sent := mail.provider.sent[0]
	if sent.To[0] != "lead@x.y" {
		t.Errorf("to = %v", sent.To)
	}
	if sent.ThreadID != "th-1" || sent.InReplyTo != "<orig@x.y>" {
		t.Errorf("reminder not threaded: %+v", sent)
	}
	if !strings.Contains(sent.Body, "https://meet.example/x") {
		t.Error("reminder body missing meet link")
	}
	if len(events.reminded) != 1 || events.reminded[0] != 3 {
		t.Errorf("reminder_sent not marked: %v", events.reminded)
	}
}
