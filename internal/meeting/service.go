// Package meeting turns detected meeting requests into calendar events and
// dispatches reminder emails before they start.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/calendar"
	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/llm"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// busyPadding widens the availability check around the proposed window.
const busyPadding = time.Hour

// reminderLead is how long before the event start the reminder email goes
// out.
const reminderLead = time.Hour

type tokenManager interface {
	EnsureAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error)
	EnsureCalendarProvider(ctx context.Context, provider *models.CalendarProvider) (*models.CalendarProvider, error)
}

type mailProviders interface {
	For(account *models.EmailAccount) (mailer.Provider, error)
}

type Service struct {
	providers store.CalendarProviderStore
	events    store.CalendarEventStore
	emails    store.EmailStore
	accounts  store.AccountStore
	tokens    tokenManager
	cal       calendar.Provider
	mail      mailProviders
	clock     clock.Clock
	logger    *slog.Logger
}

func NewService(
	providers store.CalendarProviderStore,
	events store.CalendarEventStore,
	emails store.EmailStore,
	accounts store.AccountStore,
	tokens tokenManager,
	cal calendar.Provider,
	mail mailProviders,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		providers: providers,
		events:    events,
		emails:    emails,
		accounts:  accounts,
		tokens:    tokens,
		cal:       cal,
		mail:      mail,
		clock:     clk,
		logger:    logger.With("component", "meeting"),
	}
}

// HandleDetected creates (or reschedules) a calendar event for a detected
// meeting request. A nil event with nil error means the request was a no-op:
// no active calendar provider, or no schedulable start time.
func (s *Service) HandleDetected(ctx context.Context, email *models.Email, details llm.MeetingDetails) (*models.CalendarEvent, error) {
	if details.Start.IsZero() {
		s.logger.Info("meeting detected without a schedulable time", "email_id", email.ID)
		return nil, nil
	}

	provider, err := s.providers.GetActiveCalendarProviderByUserID(ctx, email.UserID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("no active calendar provider, skipping event creation", "user_id", email.UserID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve calendar provider: %w", err)
	}

	provider, err = s.tokens.EnsureCalendarProvider(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("ensure calendar token: %w", err)
	}

	// A later email in the same thread reschedules rather than duplicates.
	if email.ThreadID != "" {
		existing, err := s.events.GetCalendarEventByThread(ctx, email.UserID, email.ThreadID)
		if err == nil {
			return s.reschedule(ctx, provider, existing, details)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("look up thread event: %w", err)
		}
	}

	conflicts, err := s.findConflicts(ctx, provider, details.Start, details.End)
	if err != nil {
		// Availability is advisory; a failed busy check does not block the
		// event.
		s.logger.Warn("busy check failed", "user_id", email.UserID, "error", err)
	}

	req := s.eventRequest(email, details)
	created, err := s.cal.CreateEvent(ctx, provider, req)
	if err != nil {
		return nil, fmt.Errorf("create calendar event: %w", err)
	}

	event, err := s.events.CreateCalendarEvent(ctx, models.CalendarEventCreateParams{
		UserID:          email.UserID,
		ProviderID:      provider.ID,
		ExternalEventID: created.ExternalID,
		Title:           req.Title,
		StartAt:         details.Start,
		EndAt:           details.End,
		Timezone:        details.Timezone,
		Attendees:       req.Attendees,
		Location:        details.Location,
		MeetLink:        created.MeetLink,
		HTMLLink:        created.HTMLLink,
		Conflicts:       conflicts,
		SourceEmailID:   email.ID,
		ThreadID:        email.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("persist calendar event: %w", err)
	}

	s.logger.Info("calendar event created",
		"event_id", event.ID, "email_id", email.ID, "start", details.Start, "conflicts", len(conflicts))
	return event, nil
}

// reschedule moves an existing event to the new window, preserving the
// provider's external event id.
func (s *Service) reschedule(ctx context.Context, provider *models.CalendarProvider, event *models.CalendarEvent, details llm.MeetingDetails) (*models.CalendarEvent, error) {
	conflicts, err := s.findConflicts(ctx, provider, details.Start, details.End)
	if err != nil {
		s.logger.Warn("busy check failed on reschedule", "event_id", event.ID, "error", err)
	}

	req := calendar.EventRequest{
		Title:           event.Title,
		StartAt:         details.Start,
		EndAt:           details.End,
		Timezone:        details.Timezone,
		Attendees:       event.Attendees,
		Location:        details.Location,
		RequestMeetLink: event.MeetLink != "",
	}
	if _, err := s.cal.UpdateEvent(ctx, provider, event.ExternalEventID, req); err != nil {
		return nil, fmt.Errorf("update calendar event: %w", err)
	}

	if err := s.events.UpdateCalendarEventWindow(ctx, event.ID, details.Start, details.End, details.Timezone, conflicts); err != nil {
		return nil, fmt.Errorf("persist rescheduled window: %w", err)
	}

	event.StartAt = details.Start
	event.EndAt = details.End
	event.Timezone = details.Timezone
	event.Conflicts = conflicts
	event.ReminderSent = false

	s.logger.Info("calendar event rescheduled", "event_id", event.ID, "start", details.Start)
	return event, nil
}

// findConflicts returns human-readable busy windows overlapping
// [start, end). The check queries the padded window around the slot.
func (s *Service) findConflicts(ctx context.Context, provider *models.CalendarProvider, start, end time.Time) ([]string, error) {
	busy, err := s.cal.ListBusy(ctx, provider, start.Add(-busyPadding), end.Add(busyPadding))
	if err != nil {
		return nil, err
	}

	var conflicts []string
	for _, interval := range busy {
		if interval.Start.Before(end) && interval.End.After(start) {
			conflicts = append(conflicts, fmt.Sprintf("busy %s - %s",
				interval.Start.UTC().Format("2006-01-02 15:04"),
				interval.End.UTC().Format("15:04")))
		}
	}
	return conflicts, nil
}

func (s *Service) eventRequest(email *models.Email, details llm.MeetingDetails) calendar.EventRequest {
	title := details.Title
	if title == "" {
		with := email.FromName
		if with == "" {
			with = email.FromAddr
		}
		title = "Meeting with " + with
	}

	attendees := details.Attendees
	if !containsFold(attendees, email.FromAddr) {
		attendees = append(attendees, email.FromAddr)
	}

	return calendar.EventRequest{
		Title:           title,
		Description:     fmt.Sprintf("Scheduled from email: %s", email.Subject),
		StartAt:         details.Start,
		EndAt:           details.End,
		Timezone:        details.Timezone,
		Attendees:       attendees,
		Location:        details.Location,
		RequestMeetLink: details.Location == "",
	}
}

// SendDueReminders emails a reminder on the original thread for every event
// starting within the lead window whose reminder has not gone out yet.
func (s *Service) SendDueReminders(ctx context.Context) error {
	now := s.clock.Now()
	events, err := s.events.ListEventsNeedingReminder(ctx, now, now.Add(reminderLead))
	if err != nil {
		return fmt.Errorf("list events needing reminder: %w", err)
	}

	var firstErr error
	for i := range events {
		if err := s.sendReminder(ctx, &events[i]); err != nil {
			s.logger.Error("reminder failed", "event_id", events[i].ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.events.MarkReminderSent(ctx, events[i].ID); err != nil {
			return fmt.Errorf("mark reminder sent: %w", err)
		}
	}
	return firstErr
}

func (s *Service) sendReminder(ctx context.Context, event *models.CalendarEvent) error {
	source, err := s.emails.GetEmailByID(ctx, event.SourceEmailID)
	if err != nil {
		return fmt.Errorf("load source email: %w", err)
	}
	account, err := s.accounts.GetAccountByID(ctx, source.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	account, err = s.tokens.EnsureAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("ensure account token: %w", err)
	}
	provider, err := s.mail.For(account)
	if err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "This is a reminder for the upcoming meeting:\n\n%s\n%s",
		event.Title, event.StartAt.Format("Monday, 2 Jan 2006 at 15:04 MST"))
	if event.MeetLink != "" {
		fmt.Fprintf(&body, "\n\nJoin: %s", event.MeetLink)
	}
	if event.Location != "" {
		fmt.Fprintf(&body, "\nLocation: %s", event.Location)
	}

	subject := "Reminder: " + event.Title
	_, err = provider.Send(ctx, account, mailer.OutboundMessage{
		To:         []string{source.FromAddr},
		Subject:    subject,
		Body:       body.String(),
		InReplyTo:  source.MessageID,
		References: append(append([]string{}, source.References...), source.MessageID),
		ThreadID:   event.ThreadID,
	})
	if err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}

	s.logger.Info("reminder sent", "event_id", event.ID, "to", source.FromAddr)
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
