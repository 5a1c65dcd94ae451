package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountInfo is an account as reported by an institution.
type AccountInfo struct {
	ExternalID string
	Name       string
	Type       AccountType
	Currency   string
	Raw        map[string]any
}

// BalanceInfo is a balance as reported by an institution. Historical
// balances use the same shape with AsOf set to the historical date.
type BalanceInfo struct {
	Balance   decimal.Decimal
	Available *decimal.Decimal
	Currency  string
	AsOf      time.Time
	Raw       map[string]any
}

// PositionInfo is a holding as reported by an institution. Quantity and
// value are absolute amounts.
type PositionInfo struct {
	Symbol      string
	Name        string
	ISIN        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	MarketValue decimal.Decimal
	CostBasis   *decimal.Decimal
	Currency    string
	AssetClass  AssetClass
	Raw         map[string]any
}

// ToPosition converts reported holding data to a persistable position.
func (p PositionInfo) ToPosition() Position {
	return Position{
		Symbol:      p.Symbol,
		Name:        p.Name,
		ISIN:        p.ISIN,
		Quantity:    p.Quantity,
		Price:       p.Price,
		MarketValue: p.MarketValue,
		CostBasis:   p.CostBasis,
		Currency:    p.Currency,
		AssetClass:  p.AssetClass,
	}
}

// BackfillWindow is an inclusive date range for historical fetches.
type BackfillWindow struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days covered.
func (w BackfillWindow) Days() int {
	return int(DateOnly(w.End).Sub(DateOnly(w.Start)).Hours()/24) + 1
}
