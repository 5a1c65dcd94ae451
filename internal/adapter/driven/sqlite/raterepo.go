package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.RateStore = (*RateRepo)(nil)

// RateRepo is the SQLite implementation of the RateStore port interface.
type RateRepo struct {
	db *DB
}

// NewRateRepo creates a new RateRepo backed by the given DB.
func NewRateRepo(db *DB) *RateRepo {
	return &RateRepo{db: db}
}

// Upsert stores a rate, replacing any existing rate for the same pair and date.
func (r *RateRepo) Upsert(ctx context.Context, rate model.ExchangeRate) error {
	const query = `
		INSERT INTO exchange_rates (from_currency, to_currency, rate_date, rate, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_currency, to_currency, rate_date) DO UPDATE SET
			rate = excluded.rate,
			source = excluded.source`

	_, err := r.db.Writer.ExecContext(ctx, query, rate.From, rate.To, formatDate(rate.Date), rate.Rate.String(), rate.Source)
	if err != nil {
		return fmt.Errorf("upsert rate %s/%s %s: %w", rate.From, rate.To, formatDate(rate.Date), err)
	}
	return nil
}

// Exact returns the rate published for exactly date.
func (r *RateRepo) Exact(ctx context.Context, from, to string, date time.Time) (*model.ExchangeRate, error) {
	const query = `
		SELECT from_currency, to_currency, rate_date, rate, source FROM exchange_rates
		WHERE from_currency = ? AND to_currency = ? AND rate_date = ?`
	return r.one(ctx, query, from, to, formatDate(date))
}

// LatestOnOrBefore returns the newest rate dated on or before date.
func (r *RateRepo) LatestOnOrBefore(ctx context.Context, from, to string, date time.Time) (*model.ExchangeRate, error) {
	const query = `
		SELECT from_currency, to_currency, rate_date, rate, source FROM exchange_rates
		WHERE from_currency = ? AND to_currency = ? AND rate_date <= ?
		ORDER BY rate_date DESC LIMIT 1`
	return r.one(ctx, query, from, to, formatDate(date))
}

func (r *RateRepo) one(ctx context.Context, query string, args ...any) (*model.ExchangeRate, error) {
	var (
		rate       model.ExchangeRate
		date, text string
	)

	err := r.db.Reader.QueryRowContext(ctx, query, args...).Scan(&rate.From, &rate.To, &date, &text, &rate.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rate: %w", err)
	}

	if rate.Date, err = parseDate(date); err != nil {
		return nil, fmt.Errorf("parse rate_date: %w", err)
	}
	if rate.Rate, err = decimal.NewFromString(text); err != nil {
		return nil, fmt.Errorf("parse rate: %w", err)
	}
	return &rate, nil
}
