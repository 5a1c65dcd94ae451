package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

// MigrationRequest carries what the client derived from the user's password.
// The server keeps the salts and auth hash; the KEK is used once and wiped.
type MigrationRequest struct {
	KEK      []byte
	KEKSalt  []byte
	AuthSalt []byte
	AuthHash []byte
}

// RotationRequest replaces the KEK after a password change.
type RotationRequest struct {
	OldKEK   []byte
	NewKEK   []byte
	KEKSalt  []byte
	AuthSalt []byte
	AuthHash []byte
}

// AccountFailure records an account whose credentials could not be moved.
type AccountFailure struct {
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
	Error     string `json:"error"`
}

// MigrationResult summarizes a migration. Failed accounts stay on the
// legacy scheme and can be retried with MigrateAccount.
type MigrationResult struct {
	Migrated int              `json:"migrated"`
	Skipped  int              `json:"skipped"`
	Failed   []AccountFailure `json:"failed"`
}

// KeyService manages the per-user key hierarchy and opens or seals
// credential blobs under whichever scheme protects them.
type KeyService struct {
	users    driven.UserStore
	accounts driven.AccountStore
	vault    *vault.Vault
}

// NewKeyService creates a KeyService.
func NewKeyService(users driven.UserStore, accounts driven.AccountStore, v *vault.Vault) *KeyService {
	return &KeyService{users: users, accounts: accounts, vault: v}
}

// Migrate moves every legacy credential blob of the user under a fresh data
// key wrapped by req.KEK. The wrapped key is stored before any account is
// touched so an interrupted migration resumes with the same data key.
func (s *KeyService) Migrate(ctx context.Context, userID int64, req MigrationRequest) (MigrationResult, error) {
	defer vault.Wipe(req.KEK)

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	if user.Keys.Migrated {
		return MigrationResult{}, ErrAlreadyMigrated
	}
	if len(req.AuthHash) == 0 || len(req.KEKSalt) == 0 || len(req.AuthSalt) == 0 {
		return MigrationResult{}, fmt.Errorf("%w: salts and auth hash are required", ErrInvalidInput)
	}

	udk, err := s.pendingUserKey(ctx, user, req)
	if err != nil {
		return MigrationResult{}, err
	}
	defer vault.Wipe(udk)

	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("list accounts for user %d: %w", userID, err)
	}

	var result MigrationResult
	for _, a := range accounts {
		if !a.HasCredentials() || a.Scheme == model.EncryptionSchemeUser {
			result.Skipped++
			continue
		}
		if err := s.reencrypt(ctx, a, udk); err != nil {
			slog.Error("credential migration failed", "account_id", a.ID, "error", err)
			result.Failed = append(result.Failed, AccountFailure{AccountID: a.ID, Name: a.Name, Error: err.Error()})
			continue
		}
		result.Migrated++
	}

	user.Keys.Migrated = true
	if err := s.users.UpdateKeyMaterial(ctx, userID, user.Keys); err != nil {
		return result, fmt.Errorf("mark user %d migrated: %w", userID, err)
	}

	slog.Info("user migrated to per-user encryption",
		"user_id", userID, "migrated", result.Migrated, "failed", len(result.Failed))
	return result, nil
}

// pendingUserKey returns the data key of an interrupted migration, or
// generates, wraps and stores a new one.
func (s *KeyService) pendingUserKey(ctx context.Context, user *model.User, req MigrationRequest) ([]byte, error) {
	if len(user.Keys.EncryptedUserKey) > 0 {
		udk, err := vault.UnwrapUserKey(user.Keys.EncryptedUserKey, req.KEK)
		if err != nil {
			return nil, fmt.Errorf("resume migration: %w", err)
		}
		return udk, nil
	}

	udk, err := vault.GenerateUserKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := vault.WrapUserKey(udk, req.KEK)
	if err != nil {
		vault.Wipe(udk)
		return nil, fmt.Errorf("wrap user key: %w", err)
	}

	user.Keys = model.UserKeyMaterial{
		EncryptedUserKey: wrapped,
		KEKSalt:          req.KEKSalt,
		AuthSalt:         req.AuthSalt,
		AuthHash:         req.AuthHash,
		KeyVersion:       1,
	}
	if err := s.users.UpdateKeyMaterial(ctx, user.ID, user.Keys); err != nil {
		vault.Wipe(udk)
		return nil, fmt.Errorf("store wrapped key for user %d: %w", user.ID, err)
	}
	return udk, nil
}

// MigrateAccount retries the migration of a single account. It reports
// false without touching the blob when the account is already on the
// per-user scheme.
func (s *KeyService) MigrateAccount(ctx context.Context, userID, accountID int64, kek []byte) (bool, error) {
	defer vault.Wipe(kek)

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user %d: %w", userID, err)
	}
	if !user.Keys.Migrated {
		return false, ErrNotMigrated
	}
	account, err := ownedAccount(ctx, s.accounts, userID, accountID)
	if err != nil {
		return false, err
	}
	if !account.HasCredentials() || account.Scheme == model.EncryptionSchemeUser {
		return false, nil
	}

	udk, err := vault.UnwrapUserKey(user.Keys.EncryptedUserKey, kek)
	if err != nil {
		return false, err
	}
	defer vault.Wipe(udk)

	if err := s.reencrypt(ctx, *account, udk); err != nil {
		return false, err
	}
	return true, nil
}

func (s *KeyService) reencrypt(ctx context.Context, a model.Account, udk []byte) error {
	creds, err := s.vault.Decrypt(a.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("decrypt legacy credentials: %w", err)
	}
	blob, err := vault.EncryptWithKey(creds, udk)
	if err != nil {
		return fmt.Errorf("encrypt under user key: %w", err)
	}
	if err := s.accounts.UpdateCredentials(ctx, a.ID, blob, model.EncryptionSchemeUser); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// Rotate rewraps the data key under a new KEK. Credential blobs are not
// touched because the data key itself does not change.
func (s *KeyService) Rotate(ctx context.Context, userID int64, req RotationRequest) (int, error) {
	defer vault.Wipe(req.OldKEK)
	defer vault.Wipe(req.NewKEK)

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get user %d: %w", userID, err)
	}
	if !user.Keys.Migrated {
		return 0, ErrNotMigrated
	}

	udk, err := vault.UnwrapUserKey(user.Keys.EncryptedUserKey, req.OldKEK)
	if err != nil {
		return 0, err
	}
	defer vault.Wipe(udk)

	wrapped, err := vault.WrapUserKey(udk, req.NewKEK)
	if err != nil {
		return 0, fmt.Errorf("wrap user key: %w", err)
	}

	keys := user.Keys
	keys.EncryptedUserKey = wrapped
	keys.KeyVersion++
	if len(req.KEKSalt) > 0 {
		keys.KEKSalt = req.KEKSalt
	}
	if len(req.AuthSalt) > 0 {
		keys.AuthSalt = req.AuthSalt
	}
	if len(req.AuthHash) > 0 {
		keys.AuthHash = req.AuthHash
	}
	if err := s.users.UpdateKeyMaterial(ctx, userID, keys); err != nil {
		return 0, fmt.Errorf("store rotated key for user %d: %w", userID, err)
	}

	slog.Info("user key rotated", "user_id", userID, "key_version", keys.KeyVersion)
	return keys.KeyVersion, nil
}

// VerifyPassword checks a client-derived auth hash against the stored one.
func (s *KeyService) VerifyPassword(ctx context.Context, userID int64, authHash []byte) (bool, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user %d: %w", userID, err)
	}
	return vault.VerifyAuthHash(authHash, user.Keys.AuthHash), nil
}

// Open decrypts an account's credentials. kek may be nil for legacy blobs;
// a per-user blob without a KEK is refused.
func (s *KeyService) Open(user *model.User, account model.Account, kek []byte) (model.Credentials, error) {
	if !account.HasCredentials() {
		return nil, ErrNoCredentials
	}
	if account.Scheme != model.EncryptionSchemeUser {
		creds, err := s.vault.Decrypt(account.EncryptedCredentials)
		if err != nil {
			return nil, err
		}
		return creds, nil
	}

	udk, err := s.userKey(user, kek)
	if err != nil {
		return nil, err
	}
	defer vault.Wipe(udk)

	creds, err := vault.DecryptWithKey(account.EncryptedCredentials, udk)
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Seal encrypts credentials under the scheme the user is on.
func (s *KeyService) Seal(user *model.User, creds model.Credentials, kek []byte) ([]byte, model.EncryptionScheme, error) {
	if !user.Keys.Migrated {
		blob, err := s.vault.Encrypt(creds)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt credentials: %w", err)
		}
		return blob, model.EncryptionSchemeLegacy, nil
	}

	udk, err := s.userKey(user, kek)
	if err != nil {
		return nil, "", err
	}
	defer vault.Wipe(udk)

	blob, err := vault.EncryptWithKey(creds, udk)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return blob, model.EncryptionSchemeUser, nil
}

func (s *KeyService) userKey(user *model.User, kek []byte) ([]byte, error) {
	if len(user.Keys.EncryptedUserKey) == 0 {
		return nil, ErrNotMigrated
	}
	if len(kek) == 0 {
		return nil, model.NewSyncError(model.KindPermissionDenied, "credentials are protected by a user key: X-KEK header required")
	}
	return vault.UnwrapUserKey(user.Keys.EncryptedUserKey, kek)
}
