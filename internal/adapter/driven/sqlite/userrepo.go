package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.UserStore = (*UserRepo)(nil)

// UserRepo is the SQLite implementation of the UserStore port interface.
type UserRepo struct {
	db *DB
}

// NewUserRepo creates a new UserRepo backed by the given DB.
func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// Create inserts a user and returns its id. Key version starts at 1.
func (r *UserRepo) Create(ctx context.Context, user model.User) (int64, error) {
	const query = `INSERT INTO users (username, base_currency, auto_sync_enabled) VALUES (?, ?, ?)`

	base := user.BaseCurrency
	if base == "" {
		base = "EUR"
	}

	res, err := r.db.Writer.ExecContext(ctx, query, user.Username, base, boolToInt(user.AutoSyncEnabled))
	if err != nil {
		return 0, fmt.Errorf("create user %s: %w", user.Username, err)
	}
	return res.LastInsertId()
}

// Get returns the user with its key material.
func (r *UserRepo) Get(ctx context.Context, id int64) (*model.User, error) {
	const query = `
		SELECT id, username, base_currency, auto_sync_enabled, encrypted_user_key, kek_salt,
		       auth_salt, auth_hash, key_version, encryption_migrated, created_at
		FROM users WHERE id = ?`

	var (
		u         model.User
		autoSync  int
		migrated  int
		createdAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.BaseCurrency, &autoSync,
		&u.Keys.EncryptedUserKey, &u.Keys.KEKSalt, &u.Keys.AuthSalt, &u.Keys.AuthHash,
		&u.Keys.KeyVersion, &migrated, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user %d: %w", id, driven.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}

	u.AutoSyncEnabled = autoSync == 1
	u.Keys.Migrated = migrated == 1
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &u, nil
}

// UpdateKeyMaterial replaces the stored key hierarchy in one statement.
func (r *UserRepo) UpdateKeyMaterial(ctx context.Context, id int64, keys model.UserKeyMaterial) error {
	const query = `
		UPDATE users SET encrypted_user_key = ?, kek_salt = ?, auth_salt = ?, auth_hash = ?,
		       key_version = ?, encryption_migrated = ?
		WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query,
		keys.EncryptedUserKey, keys.KEKSalt, keys.AuthSalt, keys.AuthHash,
		keys.KeyVersion, boolToInt(keys.Migrated), id,
	)
	if err != nil {
		return fmt.Errorf("update key material for user %d: %w", id, err)
	}
	return requireAffected(res, fmt.Errorf("update key material for user %d: %w", id, driven.ErrUserNotFound))
}

// UpdatePreferences sets the base currency and auto-sync opt-in.
func (r *UserRepo) UpdatePreferences(ctx context.Context, id int64, baseCurrency string, autoSync bool) error {
	const query = `UPDATE users SET base_currency = ?, auto_sync_enabled = ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, baseCurrency, boolToInt(autoSync), id)
	if err != nil {
		return fmt.Errorf("update preferences for user %d: %w", id, err)
	}
	return requireAffected(res, fmt.Errorf("update preferences for user %d: %w", id, driven.ErrUserNotFound))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireAffected returns notFound when the statement touched no rows.
func requireAffected(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
