package models

import (
	"time"

	"github.com/google/uuid"
)

type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleAdmin      UserRole = "admin"
	RoleSuperAdmin UserRole = "super_admin"
)

type User struct {
	ID        int64
	PublicID  uuid.UUID
	Email     string
	Role      UserRole
	Persona   string
	Quota     int64
	QuotaUsed int64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QuotaExhausted reports whether the user has spent their token quota.
// A zero quota means unlimited.
func (u *User) QuotaExhausted() bool {
	return u.Quota > 0 && u.QuotaUsed >= u.Quota
}

type AccountKind string

const (
	AccountGmail    AccountKind = "oauth_gmail"
	AccountOutlook  AccountKind = "oauth_outlook"
	AccountIMAPSMTP AccountKind = "smtp_imap"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// FollowUpPolicy is the per-account follow-up configuration.
type FollowUpPolicy struct {
	Enabled      bool
	IntervalDays int
	Count        int
	Signature    string
}

type EmailAccount struct {
	ID       int64
	PublicID uuid.UUID
	UserID   int64
	Address  string
	Kind     AccountKind

	// IMAP/SMTP credentials. Password is encrypted at rest.
	IMAPHost          string
	SMTPHost          string
	SMTPPort          int
	EncryptedPassword string

	// OAuth credentials.
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time

	LastSyncCursor string
	Active         bool

	// PollIntervalSec overrides the global poll cadence when > 0.
	PollIntervalSec int

	FollowUp FollowUpPolicy

	SyncStatus   SyncStatus
	ErrorMessage string
	LastSyncAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type CalendarProviderKind string

const (
	CalendarGoogle    CalendarProviderKind = "google"
	CalendarMicrosoft CalendarProviderKind = "microsoft"
)

type CalendarProvider struct {
	ID             int64
	PublicID       uuid.UUID
	UserID         int64
	Kind           CalendarProviderKind
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EmailDirection string

const (
	DirectionInbound  EmailDirection = "inbound"
	DirectionOutbound EmailDirection = "outbound"
)

type EmailStatus string

const (
	StatusReceived    EmailStatus = "received"
	StatusClassifying EmailStatus = "classifying"
	StatusDrafting    EmailStatus = "drafting"
	StatusValidating  EmailStatus = "validating"
	StatusSending     EmailStatus = "sending"
	StatusSent        EmailStatus = "sent"
	StatusEscalated   EmailStatus = "escalated"
	StatusError       EmailStatus = "error"
)

// ActionEntry is one row of an email's append-only action log.
type ActionEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Status    string                 `json:"status"`
}

type Email struct {
	ID        int64
	PublicID  uuid.UUID
	UserID    int64
	AccountID int64

	MessageID  string
	ThreadID   string
	InReplyTo  string
	References []string

	FromAddr   string
	FromName   string
	ToAddrs    []string
	Subject    string
	Body       string
	ReceivedAt time.Time

	Direction EmailDirection
	Status    EmailStatus

	IntentID         *int64
	IntentConfidence float64
	MeetingDetected  bool

	DraftContent    string
	DraftValidated  bool
	DraftRetryCount int

	TokensUsed  int
	Replied     bool
	ReplySentAt *time.Time

	ConversationGroupID string
	ErrorMessage        string
	ActionLog           []ActionEntry

	CreatedAt time.Time
}

type EmailCreateParams struct {
	UserID    int64
	AccountID int64

	MessageID  string
	ThreadID   string
	InReplyTo  string
	References []string

	FromAddr   string
	FromName   string
	ToAddrs    []string
	Subject    string
	Body       string
	ReceivedAt time.Time

	Direction EmailDirection
	Status    EmailStatus

	ConversationGroupID string
	Replied             bool
}

// MaxIntentExamples caps the stored examples per intent.
const MaxIntentExamples = 15

type Intent struct {
	ID               int64
	PublicID         uuid.UUID
	UserID           int64
	Name             string
	Keywords         []string
	Examples         []string
	Prompt           string
	Priority         int
	AutoSend         bool
	IsDefault        bool
	IsMeetingRelated bool
	IsInboundLead    bool
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type KnowledgeItem struct {
	ID        int64
	PublicID  uuid.UUID
	UserID    int64
	Title     string
	Content   string
	Category  string
	Tags      []string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCancelled FollowUpStatus = "cancelled"
	FollowUpError     FollowUpStatus = "error"
)

type FollowUp struct {
	ID        int64
	PublicID  uuid.UUID
	UserID    int64
	EmailID   int64
	AccountID int64

	ThreadID            string
	ConversationGroupID string
	SequenceNumber      int
	ScheduledAt         time.Time
	Status              FollowUpStatus
	CancelReason        string
	SentAt              *time.Time
	RetryCount          int
	LastError           string
	CreatedAt           time.Time
}

type CalendarEvent struct {
	ID         int64
	PublicID   uuid.UUID
	UserID     int64
	ProviderID int64

	ExternalEventID string
	Title           string
	StartAt         time.Time
	EndAt           time.Time
	Timezone        string
	Attendees       []string
	Location        string
	MeetLink        string
	HTMLLink        string
	Conflicts       []string
	ReminderSent    bool

	SourceEmailID int64
	ThreadID      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type CalendarEventCreateParams struct {
	UserID          int64
	ProviderID      int64
	ExternalEventID string
	Title           string
	StartAt         time.Time
	EndAt           time.Time
	Timezone        string
	Attendees       []string
	Location        string
	MeetLink        string
	HTMLLink        string
	Conflicts       []string
	SourceEmailID   int64
	ThreadID        string
}

type LeadStage string

const (
	LeadNew       LeadStage = "new"
	LeadContacted LeadStage = "contacted"
	LeadQualified LeadStage = "qualified"
	LeadConverted LeadStage = "converted"
	LeadLost      LeadStage = "lost"
)

// Terminal reports whether no further stage transitions are allowed.
func (s LeadStage) Terminal() bool {
	return s == LeadConverted || s == LeadLost
}

// LeadExtract holds structured data pulled from a lead's emails.
type LeadExtract struct {
	Name         string   `json:"name,omitempty"`
	Company      string   `json:"company,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Title        string   `json:"title,omitempty"`
	CompanySize  string   `json:"company_size,omitempty"`
	Industry     string   `json:"industry,omitempty"`
	Interests    []string `json:"interests,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// StageChange records one lead stage transition. Anomaly marks transitions
// that were permitted despite violating the stage graph.
type StageChange struct {
	From    LeadStage `json:"from"`
	To      LeadStage `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
	Anomaly bool      `json:"anomaly,omitempty"`
}

type LeadActivity struct {
	Timestamp    time.Time              `json:"timestamp"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Details      map[string]interface{} `json:"details,omitempty"`
	PerformedBy  string                 `json:"performed_by"`
}

type InboundLead struct {
	ID          int64
	PublicID    uuid.UUID
	UserID      int64
	SenderEmail string

	Stage    LeadStage
	Score    int
	Priority string
	Extract  LeadExtract

	EmailsReceived int
	EmailsSent     int

	StageHistory []StageChange
	Activities   []LeadActivity

	MeetingScheduled bool
	ConvertedAt      *time.Time
	LostReason       string
	Active           bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
