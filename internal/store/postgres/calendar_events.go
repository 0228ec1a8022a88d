package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type CalendarEventStore struct {
	db *sql.DB
}

func NewCalendarEventStore(db *sql.DB) *CalendarEventStore {
	return &CalendarEventStore{db: db}
}

const calendarEventColumns = `id, public_id, user_id, provider_id, external_event_id,
	title, start_at, end_at, timezone, attendees, location, meet_link, html_link,
	conflicts, reminder_sent, source_email_id, thread_id, created_at, updated_at`

func scanCalendarEvent(scanner rowScanner) (*models.CalendarEvent, error) {
	var (
		e         models.CalendarEvent
		attendees pq.StringArray
		conflicts pq.StringArray
	)
	if err := scanner.Scan(
		&e.ID, &e.PublicID, &e.UserID, &e.ProviderID, &e.ExternalEventID,
		&e.Title, &e.StartAt, &e.EndAt, &e.Timezone, &attendees, &e.Location,
		&e.MeetLink, &e.HTMLLink, &conflicts, &e.ReminderSent,
		&e.SourceEmailID, &e.ThreadID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Attendees = attendees
	e.Conflicts = conflicts
	return &e, nil
}

func (s *CalendarEventStore) CreateCalendarEvent(ctx context.Context, params models.CalendarEventCreateParams) (*models.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO calendar_events
		 (public_id, user_id, provider_id, external_event_id, title, start_at, end_at,
		  timezone, attendees, location, meet_link, html_link, conflicts, source_email_id, thread_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING `+calendarEventColumns,
		uuid.New(), params.UserID, params.ProviderID, params.ExternalEventID,
		params.Title, params.StartAt, params.EndAt, params.Timezone,
		pq.Array(params.Attendees), params.Location, params.MeetLink, params.HTMLLink,
		pq.Array(params.Conflicts), params.SourceEmailID, params.ThreadID,
	)
	return scanCalendarEvent(row)
}

func (s *CalendarEventStore) GetCalendarEventByID(ctx context.Context, id int64) (*models.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarEventColumns+` FROM calendar_events WHERE id = $1`, id)
	event, err := scanCalendarEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *CalendarEventStore) GetCalendarEventByThread(ctx context.Context, userID int64, threadID string) (*models.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarEventColumns+`
		 FROM calendar_events
		 WHERE user_id = $1 AND thread_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, threadID,
	)
	event, err := scanCalendarEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *CalendarEventStore) UpdateCalendarEventWindow(ctx context.Context, id int64, start, end time.Time, timezone string, conflicts []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events
		 SET start_at = $2, end_at = $3, timezone = $4, conflicts = $5,
		     reminder_sent = FALSE, updated_at = now()
		 WHERE id = $1`,
		id, start, end, timezone, pq.Array(conflicts),
	)
	return err
}

func (s *CalendarEventStore) ListEventsNeedingReminder(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calendarEventColumns+`
		 FROM calendar_events
		 WHERE NOT reminder_sent AND start_at >= $1 AND start_at < $2
		 ORDER BY start_at ASC`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		event, err := scanCalendarEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func (s *CalendarEventStore) MarkReminderSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET reminder_sent = TRUE, updated_at = now() WHERE id = $1`,
		id,
	)
	return err
}
