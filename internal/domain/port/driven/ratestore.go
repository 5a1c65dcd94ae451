package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// RateStore defines the driven port for exchange rate persistence.
// Lookups return nil, nil when no row matches.
type RateStore interface {
	Upsert(ctx context.Context, rate model.ExchangeRate) error
	Exact(ctx context.Context, from, to string, date time.Time) (*model.ExchangeRate, error)

	// LatestOnOrBefore returns the newest rate for the pair dated on or
	// before date.
	LatestOnOrBefore(ctx context.Context, from, to string, date time.Time) (*model.ExchangeRate, error)
}

// RateSource defines the driven port for fetching published reference rates.
type RateSource interface {
	Fetch(ctx context.Context, date time.Time, base string, symbols []string) ([]model.ExchangeRate, error)
}
