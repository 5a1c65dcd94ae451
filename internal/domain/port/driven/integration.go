package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// Integration defines the driven port for one authenticated connection to an
// institution. A value is built per sync or discovery attempt, holds live
// network state, and must be closed exactly once by its owner. Close is
// idempotent.
type Integration interface {
	// Authenticate starts a login. Expected failures come back in
	// AuthResult.Failure; the error return is reserved for unexpected ones.
	Authenticate(ctx context.Context) (model.AuthResult, error)

	// CompleteChallenge answers or polls a previously issued challenge.
	// code is empty for decoupled challenges.
	CompleteChallenge(ctx context.Context, code string, continuation model.Continuation) (model.AuthResult, error)

	Accounts(ctx context.Context) ([]model.AccountInfo, error)
	Balance(ctx context.Context, accountID string) (model.BalanceInfo, error)
	Positions(ctx context.Context, accountID string) ([]model.PositionInfo, error)

	// HistoricalBalances returns daily balances between start and end
	// inclusive. Integrations that fetch a fixed report may ignore the range.
	HistoricalBalances(ctx context.Context, accountID string, start, end time.Time) ([]model.BalanceInfo, error)

	SupportsHistory() bool

	// HistoryNeedsExtraRequest reports whether fetching history costs a
	// separate round trip. When false the caller requests a wide window
	// instead of detecting gaps.
	HistoryNeedsExtraRequest() bool

	Close() error
}

// Suspender is implemented by integrations whose in-flight authentication
// can be captured and later restored on a freshly built instance.
type Suspender interface {
	Suspend() (model.Continuation, error)
	Resume(ctx context.Context, state model.Continuation) error

	// Detach releases the instance after Suspend without ending the remote
	// session, which the resuming instance continues. Close is not needed
	// afterwards.
	Detach() error
}

// IntegrationFactory builds the integration variant matching a broker's
// protocol family and the shape of the supplied credentials. It performs no
// network I/O.
type IntegrationFactory interface {
	New(broker model.Broker, creds model.Credentials) (Integration, error)
}
