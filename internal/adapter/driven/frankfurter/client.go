// Package frankfurter fetches ECB reference rates from the Frankfurter API.
package frankfurter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RateSource = (*Client)(nil)

// DefaultBaseURL is the public Frankfurter v1 API.
const DefaultBaseURL = "https://api.frankfurter.dev/v1"

// Source is recorded on every rate fetched by this client.
const Source = "frankfurter"

// SupportedCurrencies are fetched by the scheduled rate job.
var SupportedCurrencies = []string{"EUR", "USD", "CHF", "GBP"}

// Client implements driven.RateSource. Responses go through an in-memory
// HTTP cache; published rates for past dates never change.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a Client for baseURL (DefaultBaseURL in production).
func NewClient(baseURL string) *Client {
	return NewClientWithHTTPClient(&http.Client{Timeout: 30 * time.Second}, baseURL)
}

// NewClientWithHTTPClient creates a Client whose transport wraps hc's with
// the response cache, so tests can point it at an httptest server.
func NewClientWithHTTPClient(hc *http.Client, baseURL string) *Client {
	cache := httpcache.NewMemoryCacheTransport()
	if hc.Transport != nil {
		cache.Transport = hc.Transport
	}
	copied := *hc
	copied.Transport = cache

	return &Client{http: &copied, baseURL: strings.TrimRight(baseURL, "/")}
}

type ratesResponse struct {
	Base  string                 `json:"base"`
	Date  string                 `json:"date"`
	Rates map[string]json.Number `json:"rates"`
}

// Fetch returns the rates from base to each symbol published for date.
// On days without publication the API answers with the previous business
// day, and the rates carry that date.
func (c *Client) Fetch(ctx context.Context, date time.Time, base string, symbols []string) ([]model.ExchangeRate, error) {
	q := url.Values{"base": {base}}
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, date.Format(time.DateOnly), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates for %s: %w", date.Format(time.DateOnly), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch rates for %s: status %d: %s", date.Format(time.DateOnly), resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload ratesResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}

	rateDate := model.DateOnly(date)
	if d, err := time.Parse(time.DateOnly, payload.Date); err == nil {
		rateDate = d
	}
	from := base
	if payload.Base != "" {
		from = payload.Base
	}

	rates := make([]model.ExchangeRate, 0, len(payload.Rates))
	for to, n := range payload.Rates {
		r, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil, fmt.Errorf("parse rate %s/%s %q: %w", from, to, n, err)
		}
		rates = append(rates, model.ExchangeRate{From: from, To: to, Date: rateDate, Rate: r, Source: Source})
	}
	return rates, nil
}
