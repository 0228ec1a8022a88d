package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type LeadStore struct {
	db *sql.DB
}

func NewLeadStore(db *sql.DB) *LeadStore {
	return &LeadStore{db: db}
}

const leadColumns = `id, public_id, user_id, sender_email, stage, score, priority, extract,
	emails_received, emails_sent, stage_history, activities,
	meeting_scheduled, converted_at, lost_reason, is_active, created_at, updated_at`

func scanLead(scanner rowScanner) (*models.InboundLead, error) {
	var (
		l          models.InboundLead
		extract    []byte
		history    []byte
		activities []byte
	)
	if err := scanner.Scan(
		&l.ID, &l.PublicID, &l.UserID, &l.SenderEmail, &l.Stage, &l.Score, &l.Priority, &extract,
		&l.EmailsReceived, &l.EmailsSent, &history, &activities,
		&l.MeetingScheduled, &l.ConvertedAt, &l.LostReason, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(extract) > 0 {
		if err := json.Unmarshal(extract, &l.Extract); err != nil {
			return nil, err
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &l.StageHistory); err != nil {
			return nil, err
		}
	}
	if len(activities) > 0 {
		if err := json.Unmarshal(activities, &l.Activities); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

func (s *LeadStore) CreateLead(ctx context.Context, lead *models.InboundLead) error {
	lead.PublicID = uuid.New()
	lead.SenderEmail = strings.ToLower(strings.TrimSpace(lead.SenderEmail))
	if lead.Stage == "" {
		lead.Stage = models.LeadNew
	}

	extract, err := json.Marshal(lead.Extract)
	if err != nil {
		return err
	}
	history, err := json.Marshal(lead.StageHistory)
	if err != nil {
		return err
	}
	activities, err := json.Marshal(lead.Activities)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO inbound_leads
		 (public_id, user_id, sender_email, stage, score, priority, extract,
		  emails_received, emails_sent, stage_history, activities, meeting_scheduled, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)
		 RETURNING id, created_at, updated_at`,
		lead.PublicID, lead.UserID, lead.SenderEmail, lead.Stage, lead.Score, lead.Priority,
		extract, lead.EmailsReceived, lead.EmailsSent, history, activities, lead.MeetingScheduled,
	).Scan(&lead.ID, &lead.CreatedAt, &lead.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}
	lead.Active = true
	return nil
}

func (s *LeadStore) GetLeadByID(ctx context.Context, id int64) (*models.InboundLead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM inbound_leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

func (s *LeadStore) GetActiveLeadBySender(ctx context.Context, userID int64, sender string) (*models.InboundLead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+`
		 FROM inbound_leads
		 WHERE user_id = $1 AND sender_email = LOWER($2) AND is_active`,
		userID, strings.TrimSpace(sender),
	)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

func (s *LeadStore) UpdateLead(ctx context.Context, lead *models.InboundLead) error {
	extract, err := json.Marshal(lead.Extract)
	if err != nil {
		return err
	}
	history, err := json.Marshal(lead.StageHistory)
	if err != nil {
		return err
	}
	activities, err := json.Marshal(lead.Activities)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE inbound_leads
		 SET stage = $2, score = $3, priority = $4, extract = $5,
		     emails_received = $6, emails_sent = $7,
		     stage_history = $8, activities = $9,
		     meeting_scheduled = $10, converted_at = $11, lost_reason = $12,
		     is_active = $13, updated_at = now()
		 WHERE id = $1`,
		lead.ID, lead.Stage, lead.Score, lead.Priority, extract,
		lead.EmailsReceived, lead.EmailsSent, history, activities,
		lead.MeetingScheduled, lead.ConvertedAt, lead.LostReason, lead.Active,
	)
	return err
}
