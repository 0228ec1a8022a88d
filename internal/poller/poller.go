// Package poller fetches new inbound mail per account, deduplicates it and
// hands it to the processing pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/conversation"
	"github.com/inboxpilot/inboxpilot/internal/mailer"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// defaultMaxFetch caps how many messages one poll pulls from the provider
// when no limit is configured.
const defaultMaxFetch = 50

type tokenManager interface {
	EnsureAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error)
	RefreshAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error)
}

type mailProviders interface {
	For(account *models.EmailAccount) (mailer.Provider, error)
}

type followUpCanceller interface {
	CancelPendingFollowUps(ctx context.Context, userID int64, sender, reason string) (int64, error)
}

// pipelineQueue receives the ids of newly persisted inbound emails.
type pipelineQueue interface {
	EnqueueEmail(emailID int64)
}

type Poller struct {
	accounts      store.AccountStore
	emails        store.EmailStore
	tokens        tokenManager
	mail          mailProviders
	conversations followUpCanceller
	queue         pipelineQueue
	maxFetch      int
	clock         clock.Clock
	logger        *slog.Logger

	// inFlight guarantees a single poll per account at a time. A tick that
	// finds the account busy skips it.
	mu       sync.Mutex
	inFlight map[int64]bool
}

func New(
	accounts store.AccountStore,
	emails store.EmailStore,
	tokens tokenManager,
	mail mailProviders,
	conversations followUpCanceller,
	queue pipelineQueue,
	maxFetch int,
	clk clock.Clock,
	logger *slog.Logger,
) *Poller {
	if maxFetch <= 0 {
		maxFetch = defaultMaxFetch
	}
	return &Poller{
		accounts:      accounts,
		emails:        emails,
		tokens:        tokens,
		mail:          mail,
		conversations: conversations,
		queue:         queue,
		maxFetch:      maxFetch,
		clock:         clk,
		logger:        logger.With("component", "poller"),
		inFlight:      map[int64]bool{},
	}
}

// PollAccount runs one poll cycle for the account. Returns immediately when
// a poll for the same account is already running.
func (p *Poller) PollAccount(ctx context.Context, accountID int64) error {
	if !p.acquire(accountID) {
		p.logger.Debug("poll already in flight", "account_id", accountID)
		return nil
	}
	defer p.release(accountID)

	account, err := p.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.Active {
		return nil
	}

	refreshed, err := p.tokens.EnsureAccount(ctx, account)
	if err != nil {
		return p.markError(ctx, account, fmt.Errorf("ensure token: %w", err))
	}
	account = refreshed

	provider, err := p.mail.For(account)
	if err != nil {
		return p.markError(ctx, account, err)
	}

	messages, nextCursor, err := provider.FetchSince(ctx, account, account.LastSyncCursor, p.maxFetch)
	if errors.Is(err, mailer.ErrInvalidCredentials) {
		// The token can be revoked between the expiry check and the fetch.
		// Force one refresh and retry before writing the account off.
		if refreshed, rerr := p.tokens.RefreshAccount(ctx, account); rerr == nil {
			p.logger.Info("token refreshed after rejected fetch", "account_id", account.ID)
			account = refreshed
			messages, nextCursor, err = provider.FetchSince(ctx, account, account.LastSyncCursor, p.maxFetch)
		} else {
			p.logger.Warn("forced token refresh failed", "account_id", account.ID, "error", rerr)
		}
	}
	if err != nil {
		if errors.Is(err, mailer.ErrInvalidCredentials) {
			// Credential failures do not heal on their own. The account is
			// deactivated until the user reconnects it.
			if derr := p.accounts.SetAccountActive(ctx, account.ID, false, err.Error()); derr != nil {
				p.logger.Error("account not deactivated", "account_id", account.ID, "error", derr)
			}
			p.logger.Warn("account deactivated on credential failure", "account_id", account.ID)
			return err
		}
		return p.markError(ctx, account, fmt.Errorf("fetch: %w", err))
	}

	stored := 0
	for i := range messages {
		ok, err := p.ingest(ctx, account, &messages[i])
		if err != nil {
			return p.markError(ctx, account, err)
		}
		if ok {
			stored++
		}
	}

	now := p.clock.Now()
	if err := p.accounts.UpdateAccountSyncState(ctx, account.ID, nextCursor, models.SyncSuccess, "", now); err != nil {
		return fmt.Errorf("persist sync state: %w", err)
	}

	if stored > 0 {
		p.logger.Info("poll complete",
			"account_id", account.ID, "fetched", len(messages), "new", stored, "cursor", nextCursor)
	}
	return nil
}

// ingest persists one inbound message and enqueues it for the pipeline.
// Returns false when the message was already known.
func (p *Poller) ingest(ctx context.Context, account *models.EmailAccount, msg *mailer.InboundMessage) (bool, error) {
	groupID := conversation.GroupID(account.UserID, msg.FromAddr)
	isReply, err := p.detectReply(ctx, account.ID, msg)
	if err != nil {
		return false, err
	}

	email, err := p.emails.CreateEmail(ctx, models.EmailCreateParams{
		UserID:              account.UserID,
		AccountID:           account.ID,
		MessageID:           msg.MessageID,
		ThreadID:            msg.ThreadID,
		InReplyTo:           msg.InReplyTo,
		References:          msg.References,
		FromAddr:            msg.FromAddr,
		FromName:            msg.FromName,
		ToAddrs:             msg.ToAddrs,
		Subject:             msg.Subject,
		Body:                msg.Body(),
		ReceivedAt:          msg.ReceivedAt,
		Direction:           models.DirectionInbound,
		Status:              models.StatusReceived,
		ConversationGroupID: groupID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist email: %w", err)
	}

	if isReply {
		if _, err := p.conversations.CancelPendingFollowUps(ctx, account.UserID, msg.FromAddr, "reply received"); err != nil {
			p.logger.Error("follow-up cancellation failed",
				"account_id", account.ID, "sender", msg.FromAddr, "error", err)
		}
	}

	p.queue.EnqueueEmail(email.ID)
	return true, nil
}

// detectReply reports whether the inbound message answers one of our prior
// outbound messages: either its In-Reply-To names an outbound message id,
// or an earlier inbound from the same sender was already replied to.
func (p *Poller) detectReply(ctx context.Context, accountID int64, msg *mailer.InboundMessage) (bool, error) {
	if msg.InReplyTo != "" {
		ok, err := p.emails.HasOutboundWithMessageID(ctx, accountID, msg.InReplyTo)
		if err != nil {
			return false, fmt.Errorf("check in-reply-to: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	ok, err := p.emails.HasRepliedInboundFromSender(ctx, accountID, msg.FromAddr)
	if err != nil {
		return false, fmt.Errorf("check sender history: %w", err)
	}
	return ok, nil
}

func (p *Poller) markError(ctx context.Context, account *models.EmailAccount, err error) error {
	p.logger.Error("poll failed", "account_id", account.ID, "error", err)
	now := p.clock.Now()
	if uerr := p.accounts.UpdateAccountSyncState(ctx, account.ID, account.LastSyncCursor, models.SyncError, err.Error(), now); uerr != nil {
		p.logger.Error("sync state not persisted", "account_id", account.ID, "error", uerr)
	}
	return err
}

func (p *Poller) acquire(accountID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[accountID] {
		return false
	}
	p.inFlight[accountID] = true
	return true
}

func (p *Poller) release(accountID int64) {
	p.mu.Lock()
	delete(p.inFlight, accountID)
	p.mu.Unlock()
}
