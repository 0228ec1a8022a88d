package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type CalendarProviderStore struct {
	db *sql.DB
}

func NewCalendarProviderStore(db *sql.DB) *CalendarProviderStore {
	return &CalendarProviderStore{db: db}
}

const calendarProviderColumns = `id, public_id, user_id, kind, access_token, refresh_token, token_expires_at, is_active, created_at, updated_at`

func scanCalendarProvider(scanner rowScanner) (*models.CalendarProvider, error) {
	var p models.CalendarProvider
	if err := scanner.Scan(
		&p.ID, &p.PublicID, &p.UserID, &p.Kind, &p.AccessToken, &p.RefreshToken,
		&p.TokenExpiresAt, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CalendarProviderStore) GetCalendarProviderByID(ctx context.Context, id int64) (*models.CalendarProvider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarProviderColumns+` FROM calendar_providers WHERE id = $1`, id)
	provider, err := scanCalendarProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func (s *CalendarProviderStore) GetActiveCalendarProviderByUserID(ctx context.Context, userID int64) (*models.CalendarProvider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarProviderColumns+`
		 FROM calendar_providers
		 WHERE user_id = $1 AND is_active
		 ORDER BY id ASC
		 LIMIT 1`,
		userID,
	)
	provider, err := scanCalendarProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func (s *CalendarProviderStore) UpdateCalendarProviderTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_providers
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, accessToken, refreshToken, expiresAt,
	)
	return err
}
