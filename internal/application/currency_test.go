package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

func eurRate(to string, d time.Time, rate string) model.ExchangeRate {
	return model.ExchangeRate{From: "EUR", To: to, Date: d, Rate: dec(rate), Source: "ecb"}
}

func TestCurrencyConverter_SameCurrency(t *testing.T) {
	c := application.NewCurrencyConverter(&mockRateStore{}, nil, nil)

	rate, err := c.Rate(context.Background(), "chf", "CHF", day(2026, 1, 5))
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(dec("1")))
}

func TestCurrencyConverter_UsesLatestEarlierRate(t *testing.T) {
	store := &mockRateStore{rates: []model.ExchangeRate{eurRate("USD", day(2026, 1, 1), "1.10")}}
	c := application.NewCurrencyConverter(store, nil, nil)

	rate, err := c.Rate(context.Background(), "EUR", "USD", day(2026, 1, 3))
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(dec("1.10")))
}

func TestCurrencyConverter_InvertsReversePair(t *testing.T) {
	store := &mockRateStore{rates: []model.ExchangeRate{eurRate("CHF", day(2026, 1, 1), "0.8")}}
	c := application.NewCurrencyConverter(store, nil, nil)

	rate, err := c.Rate(context.Background(), "CHF", "EUR", day(2026, 1, 2))
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(dec("1.25")))
}

func TestCurrencyConverter_UnknownPair(t *testing.T) {
	c := application.NewCurrencyConverter(&mockRateStore{}, nil, nil)

	rate, err := c.Rate(context.Background(), "EUR", "JPY", day(2026, 1, 2))
	require.NoError(t, err)
	assert.Nil(t, rate)
}

func TestCurrencyConverter_FetchesOnceOnMiss(t *testing.T) {
	store := &mockRateStore{}
	release := make(chan struct{})
	source := &mockRateSource{
		fetch: func(_ context.Context, date time.Time, base string, _ []string) ([]model.ExchangeRate, error) {
			<-release
			return []model.ExchangeRate{{From: base, To: "USD", Date: date, Rate: dec("1.08")}}, nil
		},
	}
	c := application.NewCurrencyConverter(store, source, nil)

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rate, err := c.Rate(context.Background(), "EUR", "USD", day(2026, 2, 2))
			if err == nil && rate != nil {
				results[i] = rate.String()
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "1.08", r)
	}
	assert.LessOrEqual(t, source.calls.Load(), int32(4))
	assert.GreaterOrEqual(t, source.calls.Load(), int32(1))

	// Stored now, so no further fetch.
	before := source.calls.Load()
	_, err := c.Rate(context.Background(), "EUR", "USD", day(2026, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, before, source.calls.Load())
}

func TestCurrencyConverter_FetchFailureIsNotFatal(t *testing.T) {
	source := &mockRateSource{
		fetch: func(context.Context, time.Time, string, []string) ([]model.ExchangeRate, error) {
			return nil, errors.New("upstream down")
		},
	}
	c := application.NewCurrencyConverter(&mockRateStore{}, source, nil)

	rate, err := c.Rate(context.Background(), "EUR", "USD", day(2026, 2, 2))
	require.NoError(t, err)
	assert.Nil(t, rate)
}

func TestCurrencyConverter_Convert(t *testing.T) {
	store := &mockRateStore{rates: []model.ExchangeRate{eurRate("USD", day(2026, 1, 1), "1.0833")}}
	c := application.NewCurrencyConverter(store, nil, nil)

	s := &model.Snapshot{Date: day(2026, 1, 1), Balance: dec("100"), Currency: "EUR"}
	require.NoError(t, c.Convert(context.Background(), s, "USD"))
	require.NotNil(t, s.BaseBalance)
	assert.Equal(t, "108.33", s.BaseBalance.StringFixed(2))
	assert.Equal(t, "USD", s.BaseCurrency)

	same := &model.Snapshot{Date: day(2026, 1, 1), Balance: dec("10.125"), Currency: "EUR"}
	require.NoError(t, c.Convert(context.Background(), same, "EUR"))
	assert.True(t, same.BaseBalance.Equal(dec("10.125")))

	missing := &model.Snapshot{Date: day(2026, 1, 1), Balance: dec("5"), Currency: "GBP"}
	require.NoError(t, c.Convert(context.Background(), missing, "USD"))
	assert.Nil(t, missing.BaseBalance)
	assert.Equal(t, "USD", missing.BaseCurrency)
}

func TestCurrencyConverter_Refresh(t *testing.T) {
	store := &mockRateStore{}
	source := &mockRateSource{
		fetch: func(_ context.Context, date time.Time, base string, symbols []string) ([]model.ExchangeRate, error) {
			out := make([]model.ExchangeRate, 0, len(symbols))
			for _, s := range symbols {
				out = append(out, model.ExchangeRate{From: base, To: s, Date: date, Rate: dec("2")})
			}
			return out, nil
		},
	}
	c := application.NewCurrencyConverter(store, source, nil)

	n, err := c.Refresh(context.Background(), day(2026, 1, 5), []string{"EUR", "USD", "CHF"})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Len(t, store.rates, 6)
	assert.Equal(t, int32(3), source.calls.Load())
}
