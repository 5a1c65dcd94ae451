package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is an account balance on one date. BaseBalance stays nil when no
// exchange rate was available at conversion time.
type Snapshot struct {
	ID           int64
	AccountID    int64
	Date         time.Time
	Balance      decimal.Decimal
	Currency     string
	BaseBalance  *decimal.Decimal
	BaseCurrency string
	ExchangeRate *decimal.Decimal
	Source       SnapshotSource
	Raw          map[string]any
	Positions    []Position
	CreatedAt    time.Time
}

// Position is a holding recorded with a snapshot.
type Position struct {
	ID          int64
	SnapshotID  int64
	Symbol      string
	Name        string
	ISIN        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	MarketValue decimal.Decimal
	CostBasis   *decimal.Decimal
	Currency    string
	AssetClass  AssetClass
}

// ExchangeRate is the price of one unit of From in To on Date.
type ExchangeRate struct {
	From   string
	To     string
	Date   time.Time
	Rate   decimal.Decimal
	Source string
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
