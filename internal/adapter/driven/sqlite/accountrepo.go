package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AccountStore = (*AccountRepo)(nil)

const accountColumns = `
	a.id, a.user_id, a.broker_code, a.name, a.account_type, a.currency, a.external_id, a.status,
	a.sync_enabled, a.encrypted_credentials, a.encryption_scheme, a.pending_auth_state,
	a.last_sync_at, a.last_sync_error, a.created_at, a.updated_at`

// AccountRepo is the SQLite implementation of the AccountStore port interface.
// Credential blobs are stored as sealed by the vault; this repo never sees plaintext.
type AccountRepo struct {
	db *DB
}

// NewAccountRepo creates a new AccountRepo backed by the given DB.
func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

// Create inserts an account. Returns ErrAccountAlreadyExists when the user
// already tracks the same external account at the broker.
func (r *AccountRepo) Create(ctx context.Context, a model.Account) (int64, error) {
	const query = `
		INSERT INTO accounts (
			user_id, broker_code, name, account_type, currency, external_id, status,
			sync_enabled, encrypted_credentials, encryption_scheme
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	status := a.Status
	if status == "" {
		status = model.AccountStatusActive
	}
	scheme := a.Scheme
	if scheme == "" {
		scheme = model.EncryptionSchemeLegacy
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		a.UserID, a.BrokerCode, a.Name, string(a.Type), a.Currency, a.ExternalID, string(status),
		boolToInt(a.SyncEnabled), a.EncryptedCredentials, string(scheme),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, fmt.Errorf("create account %s/%s: %w", a.BrokerCode, a.ExternalID, driven.ErrAccountAlreadyExists)
		}
		return 0, fmt.Errorf("create account %s/%s: %w", a.BrokerCode, a.ExternalID, err)
	}
	return res.LastInsertId()
}

// Get returns nil, nil when the account does not exist.
func (r *AccountRepo) Get(ctx context.Context, id int64) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.id = ?`

	a, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// ListByUser returns the user's accounts ordered by name.
func (r *AccountRepo) ListByUser(ctx context.Context, userID int64) ([]model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.user_id = ? ORDER BY a.name, a.id`
	return r.list(ctx, query, userID)
}

// ListAutoSync returns accounts that can be synced without a KEK.
func (r *AccountRepo) ListAutoSync(ctx context.Context) ([]model.Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts a JOIN users u ON u.id = a.user_id
		WHERE a.sync_enabled = 1
		  AND u.auto_sync_enabled = 1
		  AND a.encryption_scheme = 'legacy'
		  AND a.encrypted_credentials IS NOT NULL
		  AND length(a.encrypted_credentials) > 0
		  AND a.status != 'inactive'
		ORDER BY a.user_id, a.id`
	return r.list(ctx, query)
}

func (r *AccountRepo) list(ctx context.Context, query string, args ...any) ([]model.Account, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// UpdateCredentials replaces the sealed blob and records which scheme sealed it.
func (r *AccountRepo) UpdateCredentials(ctx context.Context, id int64, blob []byte, scheme model.EncryptionScheme) error {
	const query = `
		UPDATE accounts SET encrypted_credentials = ?, encryption_scheme = ?,
		       updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	return r.exec(ctx, "update credentials", id, query, blob, string(scheme), id)
}

// MarkPendingAuth parks the account until a challenge is answered.
func (r *AccountRepo) MarkPendingAuth(ctx context.Context, id int64, pending model.PendingAuth) error {
	state, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending auth: %w", err)
	}

	const query = `
		UPDATE accounts SET status = 'pending_auth', pending_auth_state = ?,
		       updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	return r.exec(ctx, "mark pending auth", id, query, string(state), id)
}

// MarkSynced records a successful sync and clears error and pending state.
func (r *AccountRepo) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	const query = `
		UPDATE accounts SET status = 'active', last_sync_at = ?, last_sync_error = '',
		       pending_auth_state = NULL, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	return r.exec(ctx, "mark synced", id, query, formatTime(at), id)
}

// MarkError records a failed sync with its message.
func (r *AccountRepo) MarkError(ctx context.Context, id int64, message string) error {
	const query = `
		UPDATE accounts SET status = 'error', last_sync_error = ?, pending_auth_state = NULL,
		       updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	return r.exec(ctx, "mark error", id, query, message, id)
}

// Delete removes the account; its snapshots cascade.
func (r *AccountRepo) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete account", id, `DELETE FROM accounts WHERE id = ?`, id)
}

func (r *AccountRepo) exec(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	return requireAffected(res, fmt.Errorf("%s %d: %w", op, id, driven.ErrAccountNotFound))
}

func scanAccount(s scanner) (*model.Account, error) {
	var (
		a           model.Account
		accountType string
		status      string
		scheme      string
		syncEnabled int
		pending     sql.NullString
		lastSyncAt  sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := s.Scan(
		&a.ID, &a.UserID, &a.BrokerCode, &a.Name, &accountType, &a.Currency, &a.ExternalID, &status,
		&syncEnabled, &a.EncryptedCredentials, &scheme, &pending,
		&lastSyncAt, &a.LastSyncError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Type = model.AccountType(accountType)
	a.Status = model.AccountStatus(status)
	a.Scheme = model.EncryptionScheme(scheme)
	a.SyncEnabled = syncEnabled == 1

	if pending.Valid && pending.String != "" {
		var pa model.PendingAuth
		if err := json.Unmarshal([]byte(pending.String), &pa); err != nil {
			return nil, fmt.Errorf("unmarshal pending_auth_state: %w", err)
		}
		a.PendingAuth = &pa
	}

	if lastSyncAt.Valid {
		t, err := parseTime(lastSyncAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_sync_at: %w", err)
		}
		a.LastSyncAt = &t
	}

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &a, nil
}
