package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/ratelimit"
)

// GoogleProvider implements Provider against the Google Calendar API.
type GoogleProvider struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func NewGoogleProvider(limiter *ratelimit.Limiter, logger *slog.Logger) *GoogleProvider {
	return &GoogleProvider{
		limiter: limiter,
		logger:  logger.With("component", "google_calendar"),
	}
}

func (p *GoogleProvider) service(ctx context.Context, provider *models.CalendarProvider) (*gcal.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: provider.AccessToken})
	svc, err := gcal.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return svc, nil
}

func (p *GoogleProvider) CreateEvent(ctx context.Context, provider *models.CalendarProvider, req EventRequest) (*Event, error) {
	if err := p.limiter.Wait(ctx, key(provider)); err != nil {
		return nil, err
	}
	svc, err := p.service(ctx, provider)
	if err != nil {
		return nil, err
	}

	event := toGoogleEvent(req)
	call := svc.Events.Insert("primary", event).Context(ctx)
	if req.RequestMeetLink {
		call = call.ConferenceDataVersion(1)
	}

	created, err := call.Do()
	if err != nil {
		return nil, classify(err, "create event")
	}
	return fromGoogleEvent(created), nil
}

func (p *GoogleProvider) UpdateEvent(ctx context.Context, provider *models.CalendarProvider, externalID string, req EventRequest) (*Event, error) {
	if err := p.limiter.Wait(ctx, key(provider)); err != nil {
		return nil, err
	}
	svc, err := p.service(ctx, provider)
	if err != nil {
		return nil, err
	}

	event := toGoogleEvent(req)
	call := svc.Events.Update("primary", externalID, event).Context(ctx)
	if req.RequestMeetLink {
		call = call.ConferenceDataVersion(1)
	}

	updated, err := call.Do()
	if err != nil {
		return nil, classify(err, "update event")
	}
	return fromGoogleEvent(updated), nil
}

func (p *GoogleProvider) ListBusy(ctx context.Context, provider *models.CalendarProvider, from, to time.Time) ([]BusyInterval, error) {
	if err := p.limiter.Wait(ctx, key(provider)); err != nil {
		return nil, err
	}
	svc, err := p.service(ctx, provider)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: "primary"}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "freebusy query")
	}

	cal, ok := resp.Calendars["primary"]
	if !ok {
		return nil, nil
	}

	intervals := make([]BusyInterval, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			continue
		}
		intervals = append(intervals, BusyInterval{Start: start, End: end})
	}
	return intervals, nil
}

func toGoogleEvent(req EventRequest) *gcal.Event {
	event := &gcal.Event{
		Summary:     req.Title,
		Description: req.Description,
		Location:    req.Location,
		Start: &gcal.EventDateTime{
			DateTime: req.StartAt.Format(time.RFC3339),
			TimeZone: req.Timezone,
		},
		End: &gcal.EventDateTime{
			DateTime: req.EndAt.Format(time.RFC3339),
			TimeZone: req.Timezone,
		},
	}
	for _, attendee := range req.Attendees {
		event.Attendees = append(event.Attendees, &gcal.EventAttendee{Email: attendee})
	}
	if req.RequestMeetLink {
		event.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId: uuid.NewString(),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{
					Type: "hangoutsMeet",
				},
			},
		}
	}
	return event
}

func fromGoogleEvent(event *gcal.Event) *Event {
	out := &Event{
		ExternalID: event.Id,
		HTMLLink:   event.HtmlLink,
	}
	out.MeetLink = event.HangoutLink
	if out.MeetLink == "" && event.ConferenceData != nil {
		for _, entry := range event.ConferenceData.EntryPoints {
			if entry.EntryPointType == "video" {
				out.MeetLink = entry.Uri
				break
			}
		}
	}
	return out
}

func classify(err error, op string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return fmt.Errorf("%w: %s: %v", ErrInvalidCredentials, op, err)
		case 404, 410:
			return fmt.Errorf("%w: %s", ErrEventNotFound, op)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}

func key(provider *models.CalendarProvider) string {
	return fmt.Sprintf("gcal:%d", provider.ID)
}
