package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// snapshotRecorder converts and stores snapshots, rejecting exact repeats.
type snapshotRecorder struct {
	snapshots driven.SnapshotStore
	converter *CurrencyConverter
}

// record stores s after filling its base-currency fields. It returns
// ErrDuplicateSnapshot when the account already has a snapshot with the
// same date, balance and currency.
func (r snapshotRecorder) record(ctx context.Context, s model.Snapshot, baseCurrency string) (model.Snapshot, error) {
	s.Date = model.DateOnly(s.Date)

	dup, err := r.snapshots.HasDuplicate(ctx, s.AccountID, s.Date, s.Balance, s.Currency)
	if err != nil {
		return s, fmt.Errorf("check duplicate snapshot: %w", err)
	}
	if dup {
		return s, ErrDuplicateSnapshot
	}

	if err := r.converter.Convert(ctx, &s, baseCurrency); err != nil {
		slog.Warn("snapshot conversion failed", "account_id", s.AccountID, "error", err)
	}

	id, err := r.snapshots.Create(ctx, s)
	if err != nil {
		return s, fmt.Errorf("create snapshot: %w", err)
	}
	s.ID = id
	return s, nil
}
