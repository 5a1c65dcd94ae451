package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// rateScale is the number of decimal places kept for inverted rates.
const rateScale = 10

// CurrencyConverter resolves exchange rates from the local store, falling
// back to the rate source once per missing date.
type CurrencyConverter struct {
	rates   driven.RateStore
	source  driven.RateSource // May be nil.
	fetches singleflight.Group
	metrics *Metrics
}

// NewCurrencyConverter creates a CurrencyConverter. source may be nil to
// disable fetching on a miss.
func NewCurrencyConverter(rates driven.RateStore, source driven.RateSource, metrics *Metrics) *CurrencyConverter {
	return &CurrencyConverter{rates: rates, source: source, metrics: metrics}
}

// Rate returns the price of one unit of from in to on date, or nil when no
// rate is known. The lookup order is: identical currencies, the exact date,
// the newest earlier rate, the inverse of the newest earlier reverse rate.
// On a miss the rates for date are fetched and the lookup repeated once.
func (c *CurrencyConverter) Rate(ctx context.Context, from, to string, date time.Time) (*decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		one := decimal.NewFromInt(1)
		return &one, nil
	}
	date = model.DateOnly(date)

	rate, err := c.lookup(ctx, from, to, date)
	if err != nil || rate != nil || c.source == nil {
		return rate, err
	}

	if err := c.fetch(ctx, from, date); err != nil {
		slog.Warn("exchange rate fetch failed", "from", from, "to", to, "date", date.Format(time.DateOnly), "error", err)
		return nil, nil
	}
	return c.lookup(ctx, from, to, date)
}

func (c *CurrencyConverter) lookup(ctx context.Context, from, to string, date time.Time) (*decimal.Decimal, error) {
	if r, err := c.rates.Exact(ctx, from, to, date); err != nil || r != nil {
		return rateOf(r), err
	}
	if r, err := c.rates.LatestOnOrBefore(ctx, from, to, date); err != nil || r != nil {
		return rateOf(r), err
	}

	reverse, err := c.rates.LatestOnOrBefore(ctx, to, from, date)
	if err != nil || reverse == nil || reverse.Rate.IsZero() {
		return nil, err
	}
	inv := decimal.NewFromInt(1).DivRound(reverse.Rate, rateScale)
	return &inv, nil
}

// fetch loads every rate published for date with base from. Concurrent
// misses for the same base and date share one request.
func (c *CurrencyConverter) fetch(ctx context.Context, base string, date time.Time) error {
	key := base + "/" + date.Format(time.DateOnly)
	_, err, _ := c.fetches.Do(key, func() (any, error) {
		rates, err := c.source.Fetch(ctx, date, base, nil)
		if err != nil {
			c.metrics.rateFetch("error")
			return nil, err
		}
		c.metrics.rateFetch("ok")
		return nil, c.store(ctx, rates)
	})
	return err
}

func (c *CurrencyConverter) store(ctx context.Context, rates []model.ExchangeRate) error {
	for _, r := range rates {
		if err := c.rates.Upsert(ctx, r); err != nil {
			return fmt.Errorf("store rate %s/%s: %w", r.From, r.To, err)
		}
	}
	return nil
}

// Refresh fetches today's rates between every pair of currencies and stores
// them. It is run by the scheduler after the daily publication.
func (c *CurrencyConverter) Refresh(ctx context.Context, date time.Time, currencies []string) (int, error) {
	if c.source == nil {
		return 0, nil
	}
	stored := 0
	for _, base := range currencies {
		var symbols []string
		for _, s := range currencies {
			if s != base {
				symbols = append(symbols, s)
			}
		}
		rates, err := c.source.Fetch(ctx, date, base, symbols)
		if err != nil {
			c.metrics.rateFetch("error")
			return stored, fmt.Errorf("fetch %s rates: %w", base, err)
		}
		c.metrics.rateFetch("ok")
		if err := c.store(ctx, rates); err != nil {
			return stored, err
		}
		stored += len(rates)
	}
	return stored, nil
}

// Convert fills the base-currency fields of s. The base amount stays nil
// when no rate is known.
func (c *CurrencyConverter) Convert(ctx context.Context, s *model.Snapshot, baseCurrency string) error {
	s.BaseCurrency = baseCurrency
	rate, err := c.Rate(ctx, s.Currency, baseCurrency, s.Date)
	if err != nil {
		return fmt.Errorf("rate %s/%s: %w", s.Currency, baseCurrency, err)
	}
	if rate == nil {
		s.BaseBalance, s.ExchangeRate = nil, nil
		return nil
	}
	base := s.Balance
	if !strings.EqualFold(s.Currency, baseCurrency) {
		base = s.Balance.Mul(*rate).Round(2)
	}
	s.BaseBalance, s.ExchangeRate = &base, rate
	return nil
}

func rateOf(r *model.ExchangeRate) *decimal.Decimal {
	if r == nil {
		return nil
	}
	v := r.Rate
	return &v
}
