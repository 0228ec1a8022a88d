// Package store defines the persistence interfaces consumed by the
// pipeline, poller and schedulers. The postgres subpackage implements them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an insert hits a uniqueness constraint,
// e.g. the (account_id, message_id) dedup key.
var ErrDuplicate = errors.New("record already exists")

type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	AddQuotaUsed(ctx context.Context, userID int64, tokens int) error
}

type AccountStore interface {
	GetAccountByID(ctx context.Context, id int64) (*models.EmailAccount, error)
	ListActiveAccounts(ctx context.Context) ([]models.EmailAccount, error)
	UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateAccountSyncState(ctx context.Context, id int64, cursor string, status models.SyncStatus, errorMessage string, lastSync time.Time) error
	SetAccountActive(ctx context.Context, id int64, active bool, errorMessage string) error
}

type CalendarProviderStore interface {
	GetCalendarProviderByID(ctx context.Context, id int64) (*models.CalendarProvider, error)
	GetActiveCalendarProviderByUserID(ctx context.Context, userID int64) (*models.CalendarProvider, error)
	UpdateCalendarProviderTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
}

type EmailStore interface {
	// CreateEmail inserts a new email row. It returns ErrDuplicate when the
	// (account_id, message_id) pair already exists.
	CreateEmail(ctx context.Context, params models.EmailCreateParams) (*models.Email, error)
	GetEmailByID(ctx context.Context, id int64) (*models.Email, error)
	UpdateEmailStatus(ctx context.Context, id int64, status models.EmailStatus, errorMessage string) error
	AppendEmailAction(ctx context.Context, id int64, entry models.ActionEntry) error
	SetEmailClassification(ctx context.Context, id int64, intentID *int64, confidence float64) error
	SetEmailMeetingDetected(ctx context.Context, id int64, detected bool) error
	SetEmailDraft(ctx context.Context, id int64, draft string, validated bool, retryCount int) error
	AddEmailTokens(ctx context.Context, id int64, tokens int) error
	MarkEmailReplied(ctx context.Context, id int64, at time.Time) error

	// ListEmailsByGroup returns emails in a conversation group newest-first,
	// excluding excludeID when non-zero.
	ListEmailsByGroup(ctx context.Context, userID int64, groupID string, excludeID int64, limit int) ([]models.Email, error)

	// HasOutboundWithMessageID reports whether the account previously sent a
	// message carrying the given provider message id.
	HasOutboundWithMessageID(ctx context.Context, accountID int64, messageID string) (bool, error)

	// HasRepliedInboundFromSender reports whether a prior inbound from the
	// sender on this account was already answered.
	HasRepliedInboundFromSender(ctx context.Context, accountID int64, sender string) (bool, error)

	// GroupHasInboundSince reports whether the conversation group received an
	// inbound email after the given instant.
	GroupHasInboundSince(ctx context.Context, groupID string, since time.Time) (bool, error)
}

type IntentStore interface {
	GetIntentByID(ctx context.Context, id int64) (*models.Intent, error)
	// ListActiveIntentsByUserID returns active intents ordered by priority
	// descending, then name.
	ListActiveIntentsByUserID(ctx context.Context, userID int64) ([]models.Intent, error)
	GetDefaultIntent(ctx context.Context, userID int64) (*models.Intent, error)
}

type KnowledgeStore interface {
	ListActiveKnowledgeByUserID(ctx context.Context, userID int64) ([]models.KnowledgeItem, error)
}

type FollowUpStore interface {
	CreateFollowUp(ctx context.Context, fu *models.FollowUp) error
	GetFollowUpByID(ctx context.Context, id int64) (*models.FollowUp, error)
	// DueFollowUps returns pending follow-ups scheduled at or before now,
	// oldest first.
	DueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUp, error)
	MarkFollowUpSent(ctx context.Context, id int64, at time.Time) error
	// MarkFollowUpFailed increments the retry counter; when final is true the
	// follow-up moves to the error status and is not retried again.
	MarkFollowUpFailed(ctx context.Context, id int64, lastError string, final bool) error
	CancelFollowUp(ctx context.Context, id int64, reason string) error
	// CancelPendingByGroup cancels every pending follow-up in a conversation
	// group in one statement and returns the number cancelled.
	CancelPendingByGroup(ctx context.Context, groupID, reason string) (int64, error)
}

type CalendarEventStore interface {
	CreateCalendarEvent(ctx context.Context, params models.CalendarEventCreateParams) (*models.CalendarEvent, error)
	GetCalendarEventByID(ctx context.Context, id int64) (*models.CalendarEvent, error)
	// GetCalendarEventByThread returns the most recent event tied to a
	// provider thread, used to recognize reschedules.
	GetCalendarEventByThread(ctx context.Context, userID int64, threadID string) (*models.CalendarEvent, error)
	UpdateCalendarEventWindow(ctx context.Context, id int64, start, end time.Time, timezone string, conflicts []string) error
	// ListEventsNeedingReminder returns events starting within [from, to)
	// whose reminder has not been sent.
	ListEventsNeedingReminder(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error)
	MarkReminderSent(ctx context.Context, id int64) error
}

type LeadStore interface {
	// CreateLead inserts a new lead. Returns ErrDuplicate when an active lead
	// for (user_id, sender_email) already exists.
	CreateLead(ctx context.Context, lead *models.InboundLead) error
	GetLeadByID(ctx context.Context, id int64) (*models.InboundLead, error)
	GetActiveLeadBySender(ctx context.Context, userID int64, sender string) (*models.InboundLead, error)
	// UpdateLead persists the full mutable state of a lead (stage, score,
	// counters, extract, history, activities). Last writer wins.
	UpdateLead(ctx context.Context, lead *models.InboundLead) error
}
