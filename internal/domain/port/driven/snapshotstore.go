package driven

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// SnapshotStore defines the driven port for balance snapshot persistence.
type SnapshotStore interface {
	// Create stores the snapshot and its positions atomically.
	Create(ctx context.Context, snapshot model.Snapshot) (int64, error)

	// HasDuplicate reports whether a snapshot with the same account, date,
	// balance and currency already exists.
	HasDuplicate(ctx context.Context, accountID int64, date time.Time, balance decimal.Decimal, currency string) (bool, error)

	// Dates returns the distinct snapshot dates of an account within
	// [from, to], ascending.
	Dates(ctx context.Context, accountID int64, from, to time.Time) ([]time.Time, error)

	ListByAccount(ctx context.Context, accountID int64) ([]model.Snapshot, error)

	// ListByUser returns snapshots of all the user's accounts within
	// [from, to] ordered by date, then id.
	ListByUser(ctx context.Context, userID int64, from, to time.Time) ([]model.Snapshot, error)

	// LatestByUser returns the newest snapshot of each of the user's accounts.
	LatestByUser(ctx context.Context, userID int64) ([]model.Snapshot, error)
}
