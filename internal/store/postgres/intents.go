package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type IntentStore struct {
	db *sql.DB
}

func NewIntentStore(db *sql.DB) *IntentStore {
	return &IntentStore{db: db}
}

const intentColumns = `id, public_id, user_id, name, keywords, examples, prompt, priority,
	auto_send, is_default, is_meeting_related, is_inbound_lead, is_active, created_at, updated_at`

func scanIntent(scanner rowScanner) (*models.Intent, error) {
	var (
		i        models.Intent
		keywords pq.StringArray
		examples pq.StringArray
	)
	if err := scanner.Scan(
		&i.ID, &i.PublicID, &i.UserID, &i.Name, &keywords, &examples, &i.Prompt, &i.Priority,
		&i.AutoSend, &i.IsDefault, &i.IsMeetingRelated, &i.IsInboundLead, &i.Active,
		&i.CreatedAt, &i.UpdatedAt,
	); err != nil {
		return nil, err
	}
	i.Keywords = keywords
	i.Examples = examples
	return &i, nil
}

func (s *IntentStore) GetIntentByID(ctx context.Context, id int64) (*models.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = $1`, id)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *IntentStore) ListActiveIntentsByUserID(ctx context.Context, userID int64) ([]models.Intent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+`
		 FROM intents
		 WHERE user_id = $1 AND is_active
		 ORDER BY priority DESC, name ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []models.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

func (s *IntentStore) GetDefaultIntent(ctx context.Context, userID int64) (*models.Intent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE user_id = $1 AND is_default AND is_active`,
		userID,
	)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return intent, nil
}
