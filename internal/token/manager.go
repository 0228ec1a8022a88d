// Package token keeps OAuth access tokens on email accounts and calendar
// providers valid, serializing refreshes per credential.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// ErrTokenRefresh is returned when a token cannot be refreshed, either
// because no refresh token is stored or the provider rejected it.
var ErrTokenRefresh = errors.New("token refresh failed")

// refreshMargin triggers refresh slightly before the recorded expiry so a
// token does not lapse mid-request.
const refreshMargin = 60 * time.Second

// Refresher exchanges a refresh token for a fresh access token at the named
// provider ("google" or "microsoft").
type Refresher interface {
	Refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error)
}

type Manager struct {
	accounts  store.AccountStore
	calendars store.CalendarProviderStore
	refresher Refresher
	clock     clock.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(accounts store.AccountStore, calendars store.CalendarProviderStore, refresher Refresher, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		accounts:  accounts,
		calendars: calendars,
		refresher: refresher,
		clock:     clk,
		logger:    logger.With("component", "token_manager"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing refreshes for one credential.
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) expiring(expiresAt time.Time) bool {
	return !m.clock.Now().Before(expiresAt.Add(-refreshMargin))
}

// EnsureAccount returns an account with a valid access token, refreshing and
// persisting it first if needed. IMAP/SMTP accounts pass through untouched.
// Callers arriving during a refresh block until it completes and observe its
// outcome.
func (m *Manager) EnsureAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error) {
	if account.Kind == models.AccountIMAPSMTP {
		return account, nil
	}
	if !m.expiring(account.TokenExpiresAt) {
		return account, nil
	}

	lock := m.lockFor(fmt.Sprintf("account:%d", account.ID))
	lock.Lock()
	defer lock.Unlock()

	// Re-read: another caller may have finished the refresh while we waited.
	current, err := m.accounts.GetAccountByID(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	if !m.expiring(current.TokenExpiresAt) {
		return current, nil
	}

	return m.refreshAccountLocked(ctx, current)
}

// RefreshAccount forces a refresh even when the recorded expiry has not
// passed, for callers whose token the provider just rejected. When another
// caller already rotated the rejected token, the rotated account is
// returned without a second refresh.
func (m *Manager) RefreshAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error) {
	if account.Kind == models.AccountIMAPSMTP {
		return account, nil
	}

	lock := m.lockFor(fmt.Sprintf("account:%d", account.ID))
	lock.Lock()
	defer lock.Unlock()

	current, err := m.accounts.GetAccountByID(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	if current.AccessToken != account.AccessToken {
		return current, nil
	}
	return m.refreshAccountLocked(ctx, current)
}

// refreshAccountLocked exchanges the refresh token and persists the rotation.
// The caller holds the account's refresh lock.
func (m *Manager) refreshAccountLocked(ctx context.Context, current *models.EmailAccount) (*models.EmailAccount, error) {
	if current.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %d has no refresh token", ErrTokenRefresh, current.ID)
	}

	tok, err := m.refresher.Refresh(ctx, oauthProviderFor(current.Kind), current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// Providers commonly omit the refresh token on rotation; keep ours.
		refreshToken = current.RefreshToken
	}

	if err := m.accounts.UpdateAccountTokens(ctx, current.ID, tok.AccessToken, refreshToken, tok.Expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	m.logger.Info("refreshed account token", "account_id", current.ID, "expires_at", tok.Expiry)

	current.AccessToken = tok.AccessToken
	current.RefreshToken = refreshToken
	current.TokenExpiresAt = tok.Expiry
	return current, nil
}

// EnsureCalendarProvider is the calendar-side counterpart of EnsureAccount.
func (m *Manager) EnsureCalendarProvider(ctx context.Context, provider *models.CalendarProvider) (*models.CalendarProvider, error) {
	if !m.expiring(provider.TokenExpiresAt) {
		return provider, nil
	}

	lock := m.lockFor(fmt.Sprintf("calendar:%d", provider.ID))
	lock.Lock()
	defer lock.Unlock()

	current, err := m.calendars.GetCalendarProviderByID(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("reload calendar provider: %w", err)
	}
	if !m.expiring(current.TokenExpiresAt) {
		return current, nil
	}

	if current.RefreshToken == "" {
		return nil, fmt.Errorf("%w: calendar provider %d has no refresh token", ErrTokenRefresh, current.ID)
	}

	tok, err := m.refresher.Refresh(ctx, string(current.Kind), current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}

	if err := m.calendars.UpdateCalendarProviderTokens(ctx, current.ID, tok.AccessToken, refreshToken, tok.Expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	m.logger.Info("refreshed calendar token", "provider_id", current.ID, "expires_at", tok.Expiry)

	current.AccessToken = tok.AccessToken
	current.RefreshToken = refreshToken
	current.TokenExpiresAt = tok.Expiry
	return current, nil
}

func oauthProviderFor(kind models.AccountKind) string {
	if kind == models.AccountOutlook {
		return "microsoft"
	}
	return "google"
}
