package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type FollowUpStore struct {
	db *sql.DB
}

func NewFollowUpStore(db *sql.DB) *FollowUpStore {
	return &FollowUpStore{db: db}
}

const followUpColumns = `id, public_id, user_id, email_id, account_id,
	thread_id, conversation_group_id, sequence_number, scheduled_at,
	status, cancel_reason, sent_at, retry_count, last_error, created_at`

func scanFollowUp(scanner rowScanner) (*models.FollowUp, error) {
	var f models.FollowUp
	if err := scanner.Scan(
		&f.ID, &f.PublicID, &f.UserID, &f.EmailID, &f.AccountID,
		&f.ThreadID, &f.ConversationGroupID, &f.SequenceNumber, &f.ScheduledAt,
		&f.Status, &f.CancelReason, &f.SentAt, &f.RetryCount, &f.LastError, &f.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FollowUpStore) CreateFollowUp(ctx context.Context, fu *models.FollowUp) error {
	if fu.Status == "" {
		fu.Status = models.FollowUpPending
	}
	fu.PublicID = uuid.New()

	return s.db.QueryRowContext(ctx,
		`INSERT INTO follow_ups
		 (public_id, user_id, email_id, account_id, thread_id, conversation_group_id,
		  sequence_number, scheduled_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		fu.PublicID, fu.UserID, fu.EmailID, fu.AccountID, fu.ThreadID,
		fu.ConversationGroupID, fu.SequenceNumber, fu.ScheduledAt, fu.Status,
	).Scan(&fu.ID, &fu.CreatedAt)
}

func (s *FollowUpStore) GetFollowUpByID(ctx context.Context, id int64) (*models.FollowUp, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+followUpColumns+` FROM follow_ups WHERE id = $1`, id)
	fu, err := scanFollowUp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fu, nil
}

func (s *FollowUpStore) DueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUp, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+followUpColumns+`
		 FROM follow_ups
		 WHERE status = 'pending' AND scheduled_at <= $1
		 ORDER BY scheduled_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	followUps := make([]models.FollowUp, 0, limit)
	for rows.Next() {
		fu, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		followUps = append(followUps, *fu)
	}
	return followUps, rows.Err()
}

func (s *FollowUpStore) MarkFollowUpSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_ups SET status = 'sent', sent_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, at,
	)
	return err
}

func (s *FollowUpStore) MarkFollowUpFailed(ctx context.Context, id int64, lastError string, final bool) error {
	if final {
		_, err := s.db.ExecContext(ctx,
			`UPDATE follow_ups
			 SET status = 'error', retry_count = retry_count + 1, last_error = $2
			 WHERE id = $1`,
			id, lastError,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_ups SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1`,
		id, lastError,
	)
	return err
}

func (s *FollowUpStore) CancelFollowUp(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_ups SET status = 'cancelled', cancel_reason = $2 WHERE id = $1 AND status = 'pending'`,
		id, reason,
	)
	return err
}

func (s *FollowUpStore) CancelPendingByGroup(ctx context.Context, groupID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE follow_ups
		 SET status = 'cancelled', cancel_reason = $2
		 WHERE conversation_group_id = $1 AND status = 'pending'`,
		groupID, reason,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
