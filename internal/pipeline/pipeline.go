// Package pipeline runs the per-email state machine: classify the inbound
// message, detect meeting requests, draft and validate a reply, auto-send
// when the intent allows it, then schedule follow-ups and maintain the
// sender's lead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/calendar"
	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/llm"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

const (
	// transientAttempts is how many times a transient adapter or model
	// failure is tried before the email is marked errored.
	transientAttempts = 3

	contextEmailLimit = 10
	knowledgeTopK     = 3
)

type Config struct {
	// MeetingConfidence gates calendar event creation.
	MeetingConfidence float64
	// MaxDraftRetries bounds the draft/validate loop. Attempt numbering is
	// zero-based, so the loop runs at most MaxDraftRetries+1 times.
	MaxDraftRetries int
}

type intelligence interface {
	Classify(ctx context.Context, in llm.ClassifyInput) (llm.ClassifyResult, error)
	DetectMeeting(ctx context.Context, subject, body, from, threadContext string) (llm.MeetingResult, error)
	Draft(ctx context.Context, in llm.DraftInput) (string, int, error)
	Validate(ctx context.Context, draft, subject, body, intentPrompt string) (llm.ValidateResult, error)
}

type meetingOrchestrator interface {
	HandleDetected(ctx context.Context, email *models.Email, details llm.MeetingDetails) (*models.CalendarEvent, error)
}

type leadMachine interface {
	RecordInbound(ctx context.Context, userID int64, email *models.Email) (int, error)
	RecordActivity(ctx context.Context, userID int64, sender, activityType, description string) error
	RecordOutbound(ctx context.Context, userID int64, sender string) error
	RecordMeetingScheduled(ctx context.Context, userID int64, sender string) error
}

type conversationLinker interface {
	AggregateContext(ctx context.Context, userID int64, sender string, excludeID int64, limit int) (string, error)
}

type tokenManager interface {
	EnsureAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error)
}

type mailProviders interface {
	For(account *models.EmailAccount) (mailer.Provider, error)
}

type Service struct {
	cfg       Config
	emails    store.EmailStore
	intents   store.IntentStore
	knowledge store.KnowledgeStore
	followUps store.FollowUpStore
	accounts  store.AccountStore
	users     store.UserStore

	llm           intelligence
	meetings      meetingOrchestrator
	leads         leadMachine
	conversations conversationLinker
	tokens        tokenManager
	mail          mailProviders

	clock  clock.Clock
	logger *slog.Logger

	// sleep is replaceable so tests run backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	// threadLocks serializes sends within a provider thread so outbound
	// order is preserved.
	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
}

func NewService(
	cfg Config,
	emails store.EmailStore,
	intents store.IntentStore,
	knowledge store.KnowledgeStore,
	followUps store.FollowUpStore,
	accounts store.AccountStore,
	users store.UserStore,
	intel intelligence,
	meetings meetingOrchestrator,
	leads leadMachine,
	conversations conversationLinker,
	tokens tokenManager,
	mail mailProviders,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:           cfg,
		emails:        emails,
		intents:       intents,
		knowledge:     knowledge,
		followUps:     followUps,
		accounts:      accounts,
		users:         users,
		llm:           intel,
		meetings:      meetings,
		leads:         leads,
		conversations: conversations,
		tokens:        tokens,
		mail:          mail,
		clock:         clk,
		logger:        logger.With("component", "pipeline"),
		sleep:         sleepCtx,
		threadLocks:   map[string]*sync.Mutex{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run carries the mutable state of one email through the pipeline.
type run struct {
	email   *models.Email
	account *models.EmailAccount
	user    *models.User

	intent     *models.Intent
	confidence float64
	// context is the aggregated prior conversation with the sender, shared
	// by meeting detection and drafting.
	context string
	event   *models.CalendarEvent

	draft     string
	validated bool
	attempts  int

	tokens int
}

// Process executes the full state machine for one inbound email. Transient
// failures inside a step are retried with backoff; when a step fails for
// good the email is marked errored and processing of other emails
// continues.
func (s *Service) Process(ctx context.Context, emailID int64) error {
	email, err := s.emails.GetEmailByID(ctx, emailID)
	if err != nil {
		return fmt.Errorf("load email: %w", err)
	}
	// Only freshly received inbound mail enters the pipeline. Re-enqueued
	// duplicates and outbound rows are skipped.
	if email.Direction != models.DirectionInbound || email.Status != models.StatusReceived {
		return nil
	}

	account, err := s.accounts.GetAccountByID(ctx, email.AccountID)
	if err != nil {
		return s.fail(ctx, email, fmt.Errorf("load account: %w", err))
	}
	user, err := s.users.GetUserByID(ctx, email.UserID)
	if err != nil {
		return s.fail(ctx, email, fmt.Errorf("load user: %w", err))
	}

	r := &run{email: email, account: account, user: user}

	if err := s.classify(ctx, r); err != nil {
		return s.fail(ctx, email, err)
	}

	convContext, err := s.conversations.AggregateContext(ctx, email.UserID, email.FromAddr, email.ID, contextEmailLimit)
	if err != nil {
		return s.fail(ctx, email, fmt.Errorf("aggregate context: %w", err))
	}
	r.context = convContext

	if err := s.detectMeeting(ctx, r); err != nil {
		return s.fail(ctx, email, err)
	}

	if r.user.QuotaExhausted() {
		s.action(ctx, email.ID, "quota_exhausted", map[string]interface{}{
			"quota": r.user.Quota, "used": r.user.QuotaUsed,
		}, "escalated")
		if err := s.emails.UpdateEmailStatus(ctx, email.ID, models.StatusEscalated, "token quota exhausted"); err != nil {
			return err
		}
		return s.finish(ctx, r)
	}

	if err := s.draftLoop(ctx, r); err != nil {
		return s.fail(ctx, email, err)
	}

	if r.intent != nil && r.intent.AutoSend && r.validated {
		if err := s.autoSend(ctx, r); err != nil {
			// The send step does not re-enter. The operator decides what to
			// do with the errored email.
			return s.fail(ctx, email, err)
		}
		if err := s.scheduleFollowUps(ctx, r); err != nil {
			return s.fail(ctx, email, err)
		}
	} else if r.validated {
		s.action(ctx, email.ID, "awaiting_review", map[string]interface{}{
			"reason": "auto-send disabled for intent",
		}, "escalated")
		if err := s.emails.UpdateEmailStatus(ctx, email.ID, models.StatusEscalated, ""); err != nil {
			return err
		}
	}

	return s.finish(ctx, r)
}

// finish runs the steps that happen regardless of how the draft/send phase
// ended: lead maintenance and token accounting.
func (s *Service) finish(ctx context.Context, r *run) error {
	if err := s.maintainLead(ctx, r); err != nil {
		s.logger.Error("lead maintenance failed", "email_id", r.email.ID, "error", err)
	}

	if r.tokens > 0 {
		if err := s.emails.AddEmailTokens(ctx, r.email.ID, r.tokens); err != nil {
			return fmt.Errorf("record email tokens: %w", err)
		}
		if err := s.users.AddQuotaUsed(ctx, r.user.ID, r.tokens); err != nil {
			return fmt.Errorf("record quota: %w", err)
		}
	}
	return nil
}

func (s *Service) classify(ctx context.Context, r *run) error {
	if err := s.emails.UpdateEmailStatus(ctx, r.email.ID, models.StatusClassifying, ""); err != nil {
		return err
	}

	intents, err := s.intents.ListActiveIntentsByUserID(ctx, r.email.UserID)
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}

	var result llm.ClassifyResult
	err = s.withRetry(ctx, func() error {
		var cerr error
		result, cerr = s.llm.Classify(ctx, llm.ClassifyInput{
			Subject: r.email.Subject,
			Body:    r.email.Body,
			From:    r.email.FromAddr,
			Intents: intents,
		})
		return cerr
	})
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	r.intent = result.Intent
	r.confidence = result.Confidence
	r.tokens += result.TokensUsed

	var intentID *int64
	details := map[string]interface{}{
		"confidence": result.Confidence,
		"method":     result.Method,
	}
	if result.Intent != nil {
		intentID = &result.Intent.ID
		details["intent"] = result.Intent.Name
	}
	if err := s.emails.SetEmailClassification(ctx, r.email.ID, intentID, result.Confidence); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}
	s.action(ctx, r.email.ID, "classified", details, "ok")
	return nil
}

func (s *Service) detectMeeting(ctx context.Context, r *run) error {
	var result llm.MeetingResult
	err := s.withRetry(ctx, func() error {
		var merr error
		result, merr = s.llm.DetectMeeting(ctx, r.email.Subject, r.email.Body, r.email.FromAddr, r.context)
		return merr
	})
	if err != nil {
		return fmt.Errorf("detect meeting: %w", err)
	}
	r.tokens += result.TokensUsed

	detected := result.Detected && result.Confidence >= s.cfg.MeetingConfidence
	if err := s.emails.SetEmailMeetingDetected(ctx, r.email.ID, detected); err != nil {
		return fmt.Errorf("persist meeting flag: %w", err)
	}
	s.action(ctx, r.email.ID, "meeting_detected", map[string]interface{}{
		"detected":   result.Detected,
		"confidence": result.Confidence,
	}, "ok")
	if !detected {
		return nil
	}
	r.email.MeetingDetected = true

	var event *models.CalendarEvent
	err = s.withRetry(ctx, func() error {
		var merr error
		event, merr = s.meetings.HandleDetected(ctx, r.email, result.Details)
		return merr
	})
	if err != nil {
		return fmt.Errorf("schedule meeting: %w", err)
	}
	if event == nil {
		return nil
	}
	r.event = event

	s.action(ctx, r.email.ID, "meeting_scheduled", map[string]interface{}{
		"event_id":  event.ID,
		"start":     event.StartAt,
		"conflicts": len(event.Conflicts),
	}, "ok")
	if err := s.leads.RecordMeetingScheduled(ctx, r.email.UserID, r.email.FromAddr); err != nil {
		s.logger.Warn("lead meeting bonus not recorded", "email_id", r.email.ID, "error", err)
	}
	return nil
}

func (s *Service) draftLoop(ctx context.Context, r *run) error {
	knowledge, err := s.selectKnowledge(ctx, r.email)
	if err != nil {
		return fmt.Errorf("select knowledge: %w", err)
	}

	intentPrompt := ""
	if r.intent != nil {
		intentPrompt = r.intent.Prompt
	}

	feedback := ""
	for attempt := 0; attempt <= s.cfg.MaxDraftRetries; attempt++ {
		r.attempts = attempt
		if err := s.emails.UpdateEmailStatus(ctx, r.email.ID, models.StatusDrafting, ""); err != nil {
			return err
		}

		var draft string
		var used int
		err := s.withRetry(ctx, func() error {
			var derr error
			draft, used, derr = s.llm.Draft(ctx, llm.DraftInput{
				Persona:      r.user.Persona,
				IntentPrompt: intentPrompt,
				Knowledge:    knowledge,
				Context:      r.context,
				Subject:      r.email.Subject,
				Body:         r.email.Body,
				FromName:     r.email.FromName,
				FromAddr:     r.email.FromAddr,
				Event:        describeEvent(r.event),
				Feedback:     feedback,
			})
			return derr
		})
		if err != nil {
			return fmt.Errorf("draft attempt %d: %w", attempt, err)
		}
		r.draft = s.withSignature(draft, r.account)
		r.tokens += used
		s.action(ctx, r.email.ID, "draft_generated", map[string]interface{}{
			"attempt": attempt, "tokens": used,
		}, "ok")

		if err := s.emails.UpdateEmailStatus(ctx, r.email.ID, models.StatusValidating, ""); err != nil {
			return err
		}
		var verdict llm.ValidateResult
		err = s.withRetry(ctx, func() error {
			var verr error
			verdict, verr = s.llm.Validate(ctx, r.draft, r.email.Subject, r.email.Body, intentPrompt)
			return verr
		})
		if err != nil {
			return fmt.Errorf("validate attempt %d: %w", attempt, err)
		}
		r.tokens += verdict.TokensUsed
		s.action(ctx, r.email.ID, "validated", map[string]interface{}{
			"attempt": attempt, "valid": verdict.Valid, "issues": verdict.Reason,
		}, "ok")

		if verdict.Valid {
			r.validated = true
			break
		}
		feedback = verdict.Reason
	}

	if err := s.emails.SetEmailDraft(ctx, r.email.ID, r.draft, r.validated, r.attempts); err != nil {
		return fmt.Errorf("persist draft: %w", err)
	}
	if !r.validated {
		// The last draft is kept for manual review.
		s.action(ctx, r.email.ID, "escalated", map[string]interface{}{
			"reason": "validation failed after retries", "attempts": r.attempts + 1,
		}, "escalated")
		if err := s.emails.UpdateEmailStatus(ctx, r.email.ID, models.StatusEscalated, feedback); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) autoSend(ctx context.Context, r *run) error {
	if err := s.emails.UpdateEmailStatus(ctx, r.email.ID, models.StatusSending, ""); err != nil {
		return err
	}

	account, err := s.tokens.EnsureAccount(ctx, r.account)
	if err != nil {
		return fmt.Errorf("ensure account token: %w", err)
	}
	r.account = account
	provider, err := s.mail.For(account)
	if err != nil {
		return err
	}

	unlock := s.lockThread(r.email.ThreadID)
	defer unlock()

	subject := replySubject(r.email.Subject)
	references := append(append([]string{}, r.email.References...), r.email.MessageID)

	var result mailer.SendResult
	err = s.withRetry(ctx, func() error {
		var serr error
		result, serr = provider.Send(ctx, account, mailer.OutboundMessage{
			To:         []string{r.email.FromAddr},
			Subject:    subject,
			Body:       r.draft,
			InReplyTo:  r.email.MessageID,
			References: references,
			ThreadID:   r.email.ThreadID,
		})
		return serr
	})
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	now := s.clock.Now()
	outbound, err := s.emails.CreateEmail(ctx, models.EmailCreateParams{
		UserID:              r.email.UserID,
		AccountID:           r.email.AccountID,
		MessageID:           result.MessageID,
		ThreadID:            r.email.ThreadID,
		InReplyTo:           r.email.MessageID,
		References:          references,
		FromAddr:            account.Address,
		ToAddrs:             []string{r.email.FromAddr},
		Subject:             subject,
		Body:                r.draft,
		ReceivedAt:          now,
		Direction:           models.DirectionOutbound,
		Status:              models.StatusSent,
		ConversationGroupID: r.email.ConversationGroupID,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("persist outbound email: %w", err)
	}
	if err := s.emails.MarkEmailReplied(ctx, r.email.ID, now); err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}
	if err := s.emails.UpdateEmailStatus(ctx, r.email.ID, models.StatusSent, ""); err != nil {
		return err
	}

	details := map[string]interface{}{"message_id": result.MessageID, "thread_id": result.ThreadID}
	if outbound != nil {
		details["outbound_email_id"] = outbound.ID
	}
	s.action(ctx, r.email.ID, "reply_sent", details, "ok")

	if err := s.leads.RecordOutbound(ctx, r.email.UserID, r.email.FromAddr); err != nil {
		s.logger.Warn("outbound not counted on lead", "email_id", r.email.ID, "error", err)
	}
	return nil
}

func (s *Service) scheduleFollowUps(ctx context.Context, r *run) error {
	policy := r.account.FollowUp
	if !policy.Enabled {
		return nil
	}
	count := policy.Count
	if count < 1 {
		count = 1
	}
	intervalDays := policy.IntervalDays
	if intervalDays < 1 {
		intervalDays = 3
	}

	now := s.clock.Now()
	for k := 1; k <= count; k++ {
		fu := &models.FollowUp{
			UserID:              r.email.UserID,
			EmailID:             r.email.ID,
			AccountID:           r.email.AccountID,
			ThreadID:            r.email.ThreadID,
			ConversationGroupID: r.email.ConversationGroupID,
			SequenceNumber:      k,
			ScheduledAt:         now.Add(time.Duration(k*intervalDays) * 24 * time.Hour),
			Status:              models.FollowUpPending,
		}
		if err := s.followUps.CreateFollowUp(ctx, fu); err != nil {
			return fmt.Errorf("create follow-up %d: %w", k, err)
		}
	}
	s.action(ctx, r.email.ID, "followups_scheduled", map[string]interface{}{
		"count": count, "interval_days": intervalDays,
	}, "ok")
	return nil
}

func (s *Service) maintainLead(ctx context.Context, r *run) error {
	if r.intent != nil && r.intent.IsInboundLead {
		tokens, err := s.leads.RecordInbound(ctx, r.email.UserID, r.email)
		r.tokens += tokens
		return err
	}
	return s.leads.RecordActivity(ctx, r.email.UserID, r.email.FromAddr,
		"email_received", "inbound email outside lead intents")
}

// selectKnowledge picks the active knowledge items sharing the most words
// with the inbound subject and body.
func (s *Service) selectKnowledge(ctx context.Context, email *models.Email) ([]string, error) {
	items, err := s.knowledge.ListActiveKnowledgeByUserID(ctx, email.UserID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	haystack := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(email.Subject + " " + email.Body)) {
		haystack[strings.Trim(w, ".,!?:;\"'()")] = true
	}

	type scored struct {
		idx   int
		score int
	}
	var ranked []scored
	for i, item := range items {
		score := 0
		seen := map[string]bool{}
		for _, w := range strings.Fields(strings.ToLower(item.Title + " " + item.Content)) {
			w = strings.Trim(w, ".,!?:;\"'()")
			if len(w) < 4 || seen[w] {
				continue
			}
			seen[w] = true
			if haystack[w] {
				score++
			}
		}
		for _, tag := range item.Tags {
			if haystack[strings.ToLower(tag)] {
				score += 2
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{idx: i, score: score})
		}
	}
	// Insertion sort by score descending; ties keep store order.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	var selected []string
	for i := 0; i < len(ranked) && i < knowledgeTopK; i++ {
		item := items[ranked[i].idx]
		selected = append(selected, item.Title+": "+item.Content)
	}
	return selected, nil
}

func (s *Service) withSignature(draft string, account *models.EmailAccount) string {
	sig := strings.TrimSpace(account.FollowUp.Signature)
	if sig == "" || strings.Contains(draft, sig) {
		return draft
	}
	return strings.TrimRight(draft, "\n") + "\n\n" + sig
}

// withRetry runs fn up to transientAttempts times with 1s/2s/4s backoff.
// Non-transient errors return immediately.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == transientAttempts-1 {
			break
		}
		delay := time.Duration(1<<attempt) * time.Second
		var rateErr *mailer.RateLimitedError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > delay {
			delay = rateErr.RetryAfter
		}
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

func isTransient(err error) bool {
	var rateErr *mailer.RateLimitedError
	return errors.Is(err, llm.ErrUnavailable) ||
		errors.Is(err, mailer.ErrProviderUnavailable) ||
		errors.Is(err, calendar.ErrProviderUnavailable) ||
		errors.As(err, &rateErr)
}

// fail marks the email errored and logs. The original error is returned so
// the job layer can count it.
func (s *Service) fail(ctx context.Context, email *models.Email, err error) error {
	s.logger.Error("pipeline failed", "email_id", email.ID, "error", err)
	s.action(ctx, email.ID, "pipeline_error", map[string]interface{}{
		"error": err.Error(),
	}, "error")
	if uerr := s.emails.UpdateEmailStatus(ctx, email.ID, models.StatusError, err.Error()); uerr != nil {
		s.logger.Error("errored email not persisted", "email_id", email.ID, "error", uerr)
	}
	return err
}

// action appends to the email's append-only action log. Log failures are
// not fatal to the pipeline.
func (s *Service) action(ctx context.Context, emailID int64, name string, details map[string]interface{}, status string) {
	entry := models.ActionEntry{
		Timestamp: s.clock.Now(),
		Action:    name,
		Details:   details,
		Status:    status,
	}
	if err := s.emails.AppendEmailAction(ctx, emailID, entry); err != nil {
		s.logger.Warn("action log append failed", "email_id", emailID, "action", name, "error", err)
	}
}

func (s *Service) lockThread(threadID string) func() {
	if threadID == "" {
		return func() {}
	}
	s.mu.Lock()
	lock, ok := s.threadLocks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.threadLocks[threadID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// describeEvent renders the created calendar event for the draft prompt.
func describeEvent(event *models.CalendarEvent) string {
	if event == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s", event.Title, event.StartAt.Format("Monday, 2 Jan 2006 at 15:04 MST"))
	if event.MeetLink != "" {
		fmt.Fprintf(&b, "\nVideo link: %s", event.MeetLink)
	}
	if event.Location != "" {
		fmt.Fprintf(&b, "\nLocation: %s", event.Location)
	}
	return b.String()
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
