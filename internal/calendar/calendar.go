// Package calendar defines the calendar provider abstraction used by the
// meeting orchestrator, with a Google Calendar implementation.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/models"
)

// ErrEventNotFound is returned when an event no longer exists at the
// provider, e.g. the invitee deleted it.
var ErrEventNotFound = errors.New("calendar event not found")

// ErrProviderUnavailable marks transient calendar API failures.
var ErrProviderUnavailable = errors.New("calendar provider unavailable")

// ErrInvalidCredentials marks authentication failures against the calendar
// API.
var ErrInvalidCredentials = errors.New("invalid calendar credentials")

// EventRequest describes an event to create or update.
type EventRequest struct {
	Title       string
	Description string
	StartAt     time.Time
	EndAt       time.Time
	Timezone    string
	Attendees   []string
	Location    string

	// RequestMeetLink asks the provider for a video conference link. Set when
	// the meeting has no physical location.
	RequestMeetLink bool
}

// Event is the provider's view of a created or updated event.
type Event struct {
	ExternalID string
	MeetLink   string
	HTMLLink   string
}

// BusyInterval is an occupied window on the organizer's calendar.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Provider is a calendar backend. Accounts are run through the token manager
// before calls, so implementations use the access token as-is.
type Provider interface {
	CreateEvent(ctx context.Context, provider *models.CalendarProvider, req EventRequest) (*Event, error)
	UpdateEvent(ctx context.Context, provider *models.CalendarProvider, externalID string, req EventRequest) (*Event, error)
	// ListBusy returns the organizer's busy intervals within [from, to).
	ListBusy(ctx context.Context, provider *models.CalendarProvider, from, to time.Time) ([]BusyInterval, error)
}
