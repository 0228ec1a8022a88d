package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type EmailStore struct {
	db *sql.DB
}

func NewEmailStore(db *sql.DB) *EmailStore {
	return &EmailStore{db: db}
}

const emailColumns = `id, public_id, user_id, account_id,
	message_id, thread_id, in_reply_to, reference_ids,
	from_addr, from_name, to_addrs, subject, body, received_at,
	direction, status, intent_id, intent_confidence, meeting_detected,
	draft_content, draft_validated, draft_retry_count,
	tokens_used, replied, reply_sent_at,
	conversation_group_id, error_message, action_log, created_at`

func scanEmail(scanner rowScanner) (*models.Email, error) {
	var (
		e         models.Email
		refs      pq.StringArray
		toAddrs   pq.StringArray
		actionLog []byte
	)
	if err := scanner.Scan(
		&e.ID, &e.PublicID, &e.UserID, &e.AccountID,
		&e.MessageID, &e.ThreadID, &e.InReplyTo, &refs,
		&e.FromAddr, &e.FromName, &toAddrs, &e.Subject, &e.Body, &e.ReceivedAt,
		&e.Direction, &e.Status, &e.IntentID, &e.IntentConfidence, &e.MeetingDetected,
		&e.DraftContent, &e.DraftValidated, &e.DraftRetryCount,
		&e.TokensUsed, &e.Replied, &e.ReplySentAt,
		&e.ConversationGroupID, &e.ErrorMessage, &actionLog, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.References = refs
	e.ToAddrs = toAddrs
	if len(actionLog) > 0 {
		if err := json.Unmarshal(actionLog, &e.ActionLog); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *EmailStore) CreateEmail(ctx context.Context, params models.EmailCreateParams) (*models.Email, error) {
	status := params.Status
	if status == "" {
		status = models.StatusReceived
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO emails
		 (public_id, user_id, account_id, message_id, thread_id, in_reply_to, reference_ids,
		  from_addr, from_name, to_addrs, subject, body, received_at,
		  direction, status, conversation_group_id, replied)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (account_id, message_id) DO NOTHING
		 RETURNING `+emailColumns,
		uuid.New(), params.UserID, params.AccountID, params.MessageID, params.ThreadID,
		params.InReplyTo, pq.Array(params.References),
		params.FromAddr, params.FromName, pq.Array(params.ToAddrs),
		params.Subject, params.Body, params.ReceivedAt,
		params.Direction, status, params.ConversationGroupID, params.Replied,
	)

	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The ON CONFLICT clause swallowed the insert: dedup hit.
		return nil, store.ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return email, nil
}

func (s *EmailStore) GetEmailByID(ctx context.Context, id int64) (*models.Email, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return email, nil
}

func (s *EmailStore) UpdateEmailStatus(ctx context.Context, id int64, status models.EmailStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE emails SET status = $2, error_message = $3 WHERE id = $1`,
		id, status, errorMessage,
	)
	return err
}

func (s *EmailStore) AppendEmailAction(ctx context.Context, id int64, entry models.ActionEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE emails SET action_log = action_log || $2::jsonb WHERE id = $1`,
		id, payload,
	)
	return err
}

func (s *EmailStore) SetEmailClassification(ctx context.Context, id int64, intentID *int64, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE emails SET intent_id = $2, intent_confidence = $3 WHERE id = $1`,
		id, intentID, confidence,
	)
	return err
}

func (s *EmailStore) SetEmailMeetingDetected(ctx context.Context, id int64, detected bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE emails SET meeting_detected = $2 WHERE id = $1`,
		id, detected,
	)
	return err
}

func (s *EmailStore) SetEmailDraft(ctx context.Context, id int64, draft string, validated bool, retryCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE emails SET draft_content = $2, draft_validated = $3, draft_retry_count = $4 WHERE id = $1`,
		id, draft, validated, retryCount,
	)
	return err
}

func (s *EmailStore) AddEmailTokens(ctx context.Context, id int64, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE emails SET tokens_used = tokens_used + $2 WHERE id = $1`,
		id, tokens,
	)
	return err
}

func (s *EmailStore) MarkEmailReplied(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE emails SET replied = TRUE, reply_sent_at = $2 WHERE id = $1`,
		id, at,
	)
	return err
}

func (s *EmailStore) ListEmailsByGroup(ctx context.Context, userID int64, groupID string, excludeID int64, limit int) ([]models.Email, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailColumns+`
		 FROM emails
		 WHERE user_id = $1 AND conversation_group_id = $2 AND id <> $3
		 ORDER BY received_at DESC
		 LIMIT $4`,
		userID, groupID, excludeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := make([]models.Email, 0, limit)
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *email)
	}
	return emails, rows.Err()
}

func (s *EmailStore) HasOutboundWithMessageID(ctx context.Context, accountID int64, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM emails
		   WHERE account_id = $1 AND message_id = $2 AND direction = 'outbound'
		 )`,
		accountID, messageID,
	).Scan(&exists)
	return exists, err
}

func (s *EmailStore) HasRepliedInboundFromSender(ctx context.Context, accountID int64, sender string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM emails
		   WHERE account_id = $1 AND LOWER(from_addr) = LOWER($2)
		     AND direction = 'inbound' AND replied
		 )`,
		accountID, sender,
	).Scan(&exists)
	return exists, err
}

func (s *EmailStore) GroupHasInboundSince(ctx context.Context, groupID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM emails
		   WHERE conversation_group_id = $1 AND direction = 'inbound' AND received_at > $2
		 )`,
		groupID, since,
	).Scan(&exists)
	return exists, err
}
