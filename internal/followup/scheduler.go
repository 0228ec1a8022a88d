// Package followup fires scheduled follow-up emails and cancels the ones
// the conversation has outgrown.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// maxFollowUpRetries bounds send attempts per follow-up. The attempt that
// exceeds it moves the row to the error status for good.
const maxFollowUpRetries = 3

// dueBatchLimit caps the rows picked up per tick.
const dueBatchLimit = 50

const lateCancelReason = "reply received, late cancel"

type tokenManager interface {
	EnsureAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error)
}

type mailProviders interface {
	For(account *models.EmailAccount) (mailer.Provider, error)
}

type Service struct {
	followUps store.FollowUpStore
	emails    store.EmailStore
	accounts  store.AccountStore
	tokens    tokenManager
	mail      mailProviders
	clock     clock.Clock
	logger    *slog.Logger
}

func NewService(
	followUps store.FollowUpStore,
	emails store.EmailStore,
	accounts store.AccountStore,
	tokens tokenManager,
	mail mailProviders,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		followUps: followUps,
		emails:    emails,
		accounts:  accounts,
		tokens:    tokens,
		mail:      mail,
		clock:     clk,
		logger:    logger.With("component", "followup"),
	}
}

// DueFollowUps returns the batch of pending follow-ups whose scheduled time
// has passed, for the scheduler to fan out as jobs.
func (s *Service) DueFollowUps(ctx context.Context) ([]models.FollowUp, error) {
	return s.followUps.DueFollowUps(ctx, s.clock.Now(), dueBatchLimit)
}

// Fire processes a single due follow-up: late-cancel if the conversation
// got a reply after the follow-up was created, otherwise send in the stored
// thread. Send failures bump the retry counter; the fourth failure is
// final.
//
// The row is reloaded first. A due scan can hand the same follow-up to two
// ticks when the queue backs up, and a reply can cancel it while it waits;
// only the current status decides whether anything is sent.
func (s *Service) Fire(ctx context.Context, fu *models.FollowUp) error {
	current, err := s.followUps.GetFollowUpByID(ctx, fu.ID)
	if err != nil {
		return fmt.Errorf("reload follow-up: %w", err)
	}
	if current.Status != models.FollowUpPending {
		s.logger.Info("follow-up no longer pending, skipping",
			"follow_up_id", current.ID, "status", current.Status)
		return nil
	}
	fu = current

	replied, err := s.emails.GroupHasInboundSince(ctx, fu.ConversationGroupID, fu.CreatedAt)
	if err != nil {
		return fmt.Errorf("check conversation for replies: %w", err)
	}
	if replied {
		if err := s.followUps.CancelFollowUp(ctx, fu.ID, lateCancelReason); err != nil {
			return fmt.Errorf("late-cancel follow-up: %w", err)
		}
		s.logger.Info("follow-up late-cancelled", "follow_up_id", fu.ID, "group_id", fu.ConversationGroupID)
		return nil
	}

	if err := s.send(ctx, fu); err != nil {
		final := fu.RetryCount+1 >= maxFollowUpRetries
		if markErr := s.followUps.MarkFollowUpFailed(ctx, fu.ID, err.Error(), final); markErr != nil {
			return fmt.Errorf("mark follow-up failed: %w", markErr)
		}
		s.logger.Warn("follow-up send failed",
			"follow_up_id", fu.ID, "attempt", fu.RetryCount+1, "final", final, "error", err)
		return err
	}

	if err := s.followUps.MarkFollowUpSent(ctx, fu.ID, s.clock.Now()); err != nil {
		return fmt.Errorf("mark follow-up sent: %w", err)
	}
	s.logger.Info("follow-up sent", "follow_up_id", fu.ID, "sequence", fu.SequenceNumber)
	return nil
}

// ProcessDue runs the full tick inline. Used by tests and by deployments
// without the worker pool; the scheduler normally fans out Fire per row.
func (s *Service) ProcessDue(ctx context.Context) error {
	due, err := s.DueFollowUps(ctx)
	if err != nil {
		return fmt.Errorf("scan due follow-ups: %w", err)
	}

	var firstErr error
	for i := range due {
		if err := s.Fire(ctx, &due[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) send(ctx context.Context, fu *models.FollowUp) error {
	source, err := s.emails.GetEmailByID(ctx, fu.EmailID)
	if err != nil {
		return fmt.Errorf("load source email: %w", err)
	}
	account, err := s.accounts.GetAccountByID(ctx, fu.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	account, err = s.tokens.EnsureAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("ensure account token: %w", err)
	}
	provider, err := s.mail.For(account)
	if err != nil {
		return err
	}

	result, err := provider.Send(ctx, account, mailer.OutboundMessage{
		To:         []string{source.FromAddr},
		Subject:    replySubject(source.Subject),
		Body:       s.body(source, account, fu.SequenceNumber),
		InReplyTo:  source.MessageID,
		References: append(append([]string{}, source.References...), source.MessageID),
		ThreadID:   fu.ThreadID,
	})
	if err != nil {
		return err
	}

	// Record the follow-up as an outbound email so conversation context
	// includes it. Duplicates can happen when a send succeeded but the
	// status update did not; they are harmless.
	_, err = s.emails.CreateEmail(ctx, models.EmailCreateParams{
		UserID:              fu.UserID,
		AccountID:           fu.AccountID,
		MessageID:           result.MessageID,
		ThreadID:            fu.ThreadID,
		InReplyTo:           source.MessageID,
		References:          append(append([]string{}, source.References...), source.MessageID),
		FromAddr:            account.Address,
		ToAddrs:             []string{source.FromAddr},
		Subject:             replySubject(source.Subject),
		Body:                s.body(source, account, fu.SequenceNumber),
		ReceivedAt:          s.clock.Now(),
		Direction:           models.DirectionOutbound,
		Status:              models.StatusSent,
		ConversationGroupID: fu.ConversationGroupID,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		s.logger.Warn("follow-up sent but outbound row not persisted", "follow_up_id", fu.ID, "error", err)
	}
	return nil
}

// body renders the nudge. Deliberately short and deterministic; the
// substantive reply already went out when the follow-up was scheduled.
func (s *Service) body(source *models.Email, account *models.EmailAccount, sequence int) string {
	var b strings.Builder
	name := strings.TrimSpace(source.FromName)
	if name == "" {
		name = source.FromAddr
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	if sequence <= 1 {
		fmt.Fprintf(&b, "Just following up on my earlier reply about %q. Did you have a chance to look at it?\n", source.Subject)
	} else {
		fmt.Fprintf(&b, "Following up once more on %q in case it slipped through. Happy to answer any questions.\n", source.Subject)
	}
	if sig := strings.TrimSpace(account.FollowUp.Signature); sig != "" {
		b.WriteString("\n")
		b.WriteString(sig)
		b.WriteString("\n")
	}
	return b.String()
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
