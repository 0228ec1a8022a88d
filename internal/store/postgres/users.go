package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, public_id, email, role, persona, quota, quota_used, is_active, created_at, updated_at
		 FROM users
		 WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.PublicID, &u.Email, &u.Role, &u.Persona, &u.Quota, &u.QuotaUsed, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) AddQuotaUsed(ctx context.Context, userID int64, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET quota_used = quota_used + $2, updated_at = now() WHERE id = $1`,
		userID, tokens,
	)
	return err
}
