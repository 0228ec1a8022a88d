// Package ops exposes the operational HTTP surface: liveness, readiness
// and per-account sync status.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/inboxpilot/inboxpilot/internal/store"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	db       pinger
	accounts store.AccountStore
	logger   *slog.Logger
}

func NewServer(db pinger, accounts store.AccountStore, logger *slog.Logger) *Server {
	return &Server{db: db, accounts: accounts, logger: logger.With("component", "ops")}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status/accounts", s.handleAccountStatus)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type accountStatus struct {
	ID         int64      `json:"id"`
	Address    string     `json:"address"`
	Kind       string     `json:"kind"`
	SyncStatus string     `json:"sync_status"`
	Error      string     `json:"error,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Cursor     string     `json:"cursor,omitempty"`
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListActiveAccounts(r.Context())
	if err != nil {
		s.logger.Error("account listing failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	statuses := make([]accountStatus, 0, len(accounts))
	for _, a := range accounts {
		statuses = append(statuses, accountStatus{
			ID:         a.ID,
			Address:    a.Address,
			Kind:       string(a.Kind),
			SyncStatus: string(a.SyncStatus),
			Error:      a.ErrorMessage,
			LastSyncAt: a.LastSyncAt,
			Cursor:     a.LastSyncCursor,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Error("status encoding failed", "error", err)
	}
}
