package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type mockAccountStore struct {
	mu       sync.Mutex
	accounts map[int64]*models.EmailAccount
	updates  int
}

func newMockAccountStore(accounts ...*models.EmailAccount) *mockAccountStore {
	m := &mockAccountStore{accounts: make(map[int64]*models.EmailAccount)}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockAccountStore) GetAccountByID(_ context.Context, id int64) (*models.EmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccountStore) ListActiveAccounts(context.Context) ([]models.EmailAccount, error) {
	return nil, nil
}

func (m *mockAccountStore) UpdateAccountTokens(_ context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.TokenExpiresAt = expiresAt
	m.updates++
	return nil
}

func (m *mockAccountStore) UpdateAccountSyncState(context.Context, int64, string, models.SyncStatus, string, time.Time) error {
	return nil
}

func (m *mockAccountStore) SetAccountActive(context.Context, int64, bool, string) error {
	return nil
}

type mockCalendarProviderStore struct {
	provider *models.CalendarProvider
}

func (m *mockCalendarProviderStore) GetCalendarProviderByID(_ context.Context, id int64) (*models.CalendarProvider, error) {
	if m.provider == nil || m.provider.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *m.provider
	return &cp, nil
}

func (m *mockCalendarProviderStore) GetActiveCalendarProviderByUserID(context.Context, int64) (*models.CalendarProvider, error) {
	if m.provider == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.provider
	return &cp, nil
}

func (m *mockCalendarProviderStore) UpdateCalendarProviderTokens(_ context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	if m.provider == nil || m.provider.ID != id {
		return store.ErrNotFound
	}
	m.provider.AccessToken = accessToken
	m.provider.RefreshToken = refreshToken
	m.provider.TokenExpiresAt = expiresAt
	return nil
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	token *oauth2.Token
	err   error
}

func (f *fakeRefresher) Refresh(context.Context, string, string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureAccountSkipsValidToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	account := &models.EmailAccount{
		ID:             1,
		Kind:           models.AccountGmail,
		AccessToken:    "valid",
		RefreshToken:   "refresh",
		TokenExpiresAt: now.Add(10 * time.Minute),
	}
	accounts := newMockAccountStore(account)
	refresher := &fakeRefresher{}
	m := NewManager(accounts, &mockCalendarProviderStore{}, refresher, clk, testLogger())

	got, err := m.EnsureAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if got.AccessToken != "valid" {
		t.Errorf("access token = %q, want %q", got.AccessToken, "valid")
	}
	if refresher.calls != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls)
	}
}

func TestEnsureAccountRefreshesWithinMargin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	account := &models.EmailAccount{
		ID:             1,
		Kind:           models.AccountGmail,
		AccessToken:    "stale",
		RefreshToken:   "refresh",
		TokenExpiresAt: now.Add(30 * time.Second), // inside the 60s margin
	}
	accounts := newMockAccountStore(account)
	refresher := &fakeRefresher{token: &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      now.Add(time.Hour),
	}}
	m := NewManager(accounts, &mockCalendarProviderStore{}, refresher, clk, testLogger())

	got, err := m.EnsureAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if got.AccessToken != "fresh" {
		t.Errorf("access token = %q, want %q", got.AccessToken, "fresh")
	}
	// Provider omitted the refresh token; the stored one must survive.
	if got.RefreshToken != "refresh" {
		t.Errorf("refresh token = %q, want %q", got.RefreshToken, "refresh")
	}
	accounts.mu.Lock()
	defer accounts.mu.Unlock()
	if accounts.updates != 1 {
		t.Errorf("token updates = %d, want 1", accounts.updates)
	}
	if accounts.accounts[1].AccessToken != "fresh" {
		t.Error("refreshed token was not persisted")
	}
}

func TestEnsureAccountPassesThroughIMAP(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	account := &models.EmailAccount{ID: 2, Kind: models.AccountIMAPSMTP}
	refresher := &fakeRefresher{err: errors.New("should not be called")}
	m := NewManager(newMockAccountStore(account), &mockCalendarProviderStore{}, refresher, clk, testLogger())

	if _, err := m.EnsureAccount(context.Background(), account); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if refresher.calls != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls)
	}
}

func TestEnsureAccountConcurrentSingleRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	account := &models.EmailAccount{
		ID:             1,
		Kind:           models.AccountGmail,
		AccessToken:    "stale",
		RefreshToken:   "refresh",
		TokenExpiresAt: now.Add(-time.Minute),
	}
	accounts := newMockAccountStore(account)
	refresher := &fakeRefresher{token: &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      now.Add(time.Hour),
	}}
	m := NewManager(accounts, &mockCalendarProviderStore{}, refresher, clk, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.EnsureAccount(context.Background(), account)
			if err != nil {
				t.Errorf("EnsureAccount: %v", err)
				return
			}
			if got.AccessToken != "fresh" {
				t.Errorf("access token = %q, want %q", got.AccessToken, "fresh")
			}
		}()
	}
	wg.Wait()

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want 1", refresher.calls)
	}
}

func TestRefreshAccountForcesRotation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	// The recorded expiry is far away, but the provider rejected the token.
	account := &models.EmailAccount{
		ID:             1,
		Kind:           models.AccountGmail,
		AccessToken:    "rejected",
		RefreshToken:   "refresh",
		TokenExpiresAt: now.Add(time.Hour),
	}
	accounts := newMockAccountStore(account)
	refresher := &fakeRefresher{token: &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      now.Add(2 * time.Hour),
	}}
	m := NewManager(accounts, &mockCalendarProviderStore{}, refresher, clk, testLogger())

	got, err := m.RefreshAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("RefreshAccount: %v", err)
	}
	if got.AccessToken != "fresh" {
		t.Errorf("access token = %q, want %q", got.AccessToken, "fresh")
	}
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want 1", refresher.calls)
	}
	accounts.mu.Lock()
	defer accounts.mu.Unlock()
	if accounts.accounts[1].AccessToken != "fresh" {
		t.Error("rotation was not persisted")
	}
}

func TestRefreshAccountSkipsWhenAlreadyRotated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	stored := &models.EmailAccount{
		ID:             1,
		Kind:           models.AccountGmail,
		AccessToken:    "already-fresh",
		RefreshToken:   "refresh",
		TokenExpiresAt: now.Add(time.Hour),
	}
	refresher := &fakeRefresher{err: errors.New("should not be called")}
	m := NewManager(newMockAccountStore(stored), &mockCalendarProviderStore{}, refresher, clk, testLogger())

	// The caller still holds the token another poll already replaced.
	stale := *stored
	stale.AccessToken = "rejected"
	got, err := m.RefreshAccount(context.Background(), &stale)
	if err != nil {
		t.Fatalf("RefreshAccount: %v", err)
	}
	if got.AccessToken != "already-fresh" {
		t.Errorf("access token = %q, want the rotated one", got.AccessToken)
	}
	if refresher.calls != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls)
	}
}

func TestEnsureAccountNoRefreshToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	account := &models.EmailAccount{
		ID:             1,
		Kind:           models.AccountGmail,
		TokenExpiresAt: now.Add(-time.Minute),
	}
	m := NewManager(newMockAccountStore(account), &mockCalendarProviderStore{}, &fakeRefresher{}, clk, testLogger())

	_, err := m.EnsureAccount(context.Background(), account)
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("err = %v, want ErrTokenRefresh", err)
	}
}

func TestEnsureCalendarProviderRefreshes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	provider := &models.CalendarProvider{
		ID:             5,
		Kind:           models.CalendarGoogle,
		AccessToken:    "stale",
		RefreshToken:   "refresh",
		TokenExpiresAt: now,
	}
	calendars := &mockCalendarProviderStore{provider: provider}
	refresher := &fakeRefresher{token: &oauth2.Token{
		AccessToken:  "fresh",
		RefreshToken: "rotated",
		Expiry:       now.Add(time.Hour),
	}}
	m := NewManager(newMockAccountStore(), calendars, refresher, clk, testLogger())

	got, err := m.EnsureCalendarProvider(context.Background(), provider)
	if err != nil {
		t.Fatalf("EnsureCalendarProvider: %v", err)
	}
	if got.AccessToken != "fresh" || got.RefreshToken != "rotated" {
		t.Errorf("tokens = (%q, %q), want (fresh, rotated)", got.AccessToken, got.RefreshToken)
	}
	if calendars.provider.AccessToken != "fresh" {
		t.Error("refreshed token was not persisted")
	}
}
