package application

import "errors"

// Sentinel errors returned by application services. Errors classified by
// the domain taxonomy (model.ErrPermissionDenied and friends) pass through
// unchanged.
var (
	// ErrAlreadyMigrated indicates the user already holds a wrapped data key.
	ErrAlreadyMigrated = errors.New("user already migrated to per-user encryption")

	// ErrNotMigrated indicates an operation needs a wrapped data key the user does not have.
	ErrNotMigrated = errors.New("user has not migrated to per-user encryption")

	// ErrDuplicateSnapshot indicates an identical snapshot is already stored.
	ErrDuplicateSnapshot = errors.New("snapshot already exists for this date and amount")

	// ErrNoCredentials indicates the account is tracked manually.
	ErrNoCredentials = errors.New("account has no stored credentials")

	// ErrNotPendingAuth indicates the account is not waiting for a challenge answer.
	ErrNotPendingAuth = errors.New("account is not pending authentication")

	// ErrInvalidInput indicates a malformed request value.
	ErrInvalidInput = errors.New("invalid input")
)
