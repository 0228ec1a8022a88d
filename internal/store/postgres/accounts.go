package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, public_id, user_id, address, kind,
	imap_host, smtp_host, smtp_port, encrypted_password,
	access_token, refresh_token, token_expires_at,
	last_sync_cursor, is_active, poll_interval_sec,
	follow_up_enabled, follow_up_interval_days, follow_up_count, follow_up_signature,
	sync_status, error_message, last_sync_at, created_at, updated_at`

func scanAccount(scanner rowScanner) (*models.EmailAccount, error) {
	var a models.EmailAccount
	if err := scanner.Scan(
		&a.ID, &a.PublicID, &a.UserID, &a.Address, &a.Kind,
		&a.IMAPHost, &a.SMTPHost, &a.SMTPPort, &a.EncryptedPassword,
		&a.AccessToken, &a.RefreshToken, &a.TokenExpiresAt,
		&a.LastSyncCursor, &a.Active, &a.PollIntervalSec,
		&a.FollowUp.Enabled, &a.FollowUp.IntervalDays, &a.FollowUp.Count, &a.FollowUp.Signature,
		&a.SyncStatus, &a.ErrorMessage, &a.LastSyncAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) GetAccountByID(ctx context.Context, id int64) (*models.EmailAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *AccountStore) ListActiveAccounts(ctx context.Context) ([]models.EmailAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE is_active ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.EmailAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (s *AccountStore) UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, accessToken, refreshToken, expiresAt,
	)
	return err
}

func (s *AccountStore) UpdateAccountSyncState(ctx context.Context, id int64, cursor string, status models.SyncStatus, errorMessage string, lastSync time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts
		 SET last_sync_cursor = $2, sync_status = $3, error_message = $4, last_sync_at = $5, updated_at = now()
		 WHERE id = $1`,
		id, cursor, status, errorMessage, lastSync,
	)
	return err
}

func (s *AccountStore) SetAccountActive(ctx context.Context, id int64, active bool, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts
		 SET is_active = $2, error_message = $3, updated_at = now()
		 WHERE id = $1`,
		id, active, errorMessage,
	)
	return err
}
