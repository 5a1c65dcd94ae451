package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// Sentinel errors returned by AccountStore implementations.
var (
	// ErrAccountNotFound indicates the requested account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountAlreadyExists indicates the user already tracks this
	// external account at the same broker.
	ErrAccountAlreadyExists = errors.New("account already exists")
)

// AccountStore defines the driven port for account persistence.
// Get returns nil, nil when the account does not exist; mutating methods
// return ErrAccountNotFound instead.
type AccountStore interface {
	Create(ctx context.Context, account model.Account) (int64, error)
	Get(ctx context.Context, id int64) (*model.Account, error)
	ListByUser(ctx context.Context, userID int64) ([]model.Account, error)

	// ListAutoSync returns accounts eligible for unattended sync: sync
	// enabled, owner opted in, credentials stored under the legacy scheme.
	ListAutoSync(ctx context.Context) ([]model.Account, error)

	UpdateCredentials(ctx context.Context, id int64, blob []byte, scheme model.EncryptionScheme) error
	MarkPendingAuth(ctx context.Context, id int64, pending model.PendingAuth) error
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	MarkError(ctx context.Context, id int64, message string) error
	Delete(ctx context.Context, id int64) error
}
