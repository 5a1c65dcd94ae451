// Package viac integrates the VIAC pillar 3a pension app through its web
// API. Logins are by phone number and password with an optional
// second factor delivered to the user's registered device.
package viac

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/kit"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var (
	_ driven.Integration = (*Integration)(nil)
	_ driven.Suspender   = (*Integration)(nil)
)

const (
	// BaseURL is the production web app.
	BaseURL = "https://app.viac.ch"

	defaultCSRFHeader = "x-csrft759"
	currency          = "CHF"
	authPath          = "/external-login/public/authentication"
)

var csrfCookiePattern = regexp.MustCompile(`CSRFT(\d+)`)

// Integration is one VIAC web session.
type Integration struct {
	client     *kit.Client
	username   string
	password   string
	csrfToken  string
	csrfHeader string
	loggedIn   bool
	summary    map[string]any
	life       kit.Lifecycle
}

// New creates an Integration against baseURL (BaseURL in production).
// httpClient may be nil.
func New(baseURL string, creds model.Credentials, httpClient *http.Client) (*Integration, error) {
	client, err := kit.NewClient(baseURL,
		kit.WithHTTPClient(httpClient),
		kit.WithHeader("Accept", "application/json, text/plain, */*"),
		kit.WithHeader("X-Same-Domain", "1"),
	)
	if err != nil {
		return nil, err
	}
	return &Integration{
		client:     client,
		username:   creds.Get("username"),
		password:   creds.Get("password"),
		csrfHeader: defaultCSRFHeader,
	}, nil
}

// Authenticate logs in with phone number and password.
func (i *Integration) Authenticate(ctx context.Context) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	if i.username == "" || i.password == "" {
		return model.AuthFailed(model.NewSyncError(model.KindInvalidCredentials, "username and password are required")), nil
	}
	if strings.HasPrefix(i.username, "0") {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "phone_format",
			"use the international phone number format, e.g. +41791234567 instead of 0791234567")), nil
	}

	if err := i.initSession(ctx); err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}

	resp, err := i.client.Do(ctx, kit.Request{
		Method: http.MethodPost,
		Path:   authPath + "/password/check/",
		Body:   map[string]string{"username": i.username, "password": i.password},
		Header: i.headers(),
	})
	if err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}

	return i.loginResult(resp), nil
}

type loginError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Errors  []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (i *Integration) loginResult(resp *kit.Response) model.AuthResult {
	var body loginError
	_ = resp.JSON(&body)

	switch resp.Status {
	case http.StatusOK:
		i.loggedIn = true
		return model.Authenticated()
	case http.StatusUnauthorized:
		msg := body.Message
		if msg == "" {
			msg = "invalid credentials"
		}
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "http_401", msg))
	case http.StatusForbidden:
		if wantsSecondFactor(resp.Body) {
			return model.ChallengeRequired(model.Challenge{
				Kind:         model.ChallengeDevice,
				Prompt:       "Enter the code VIAC sent to your device.",
				Continuation: model.Continuation{"csrf_token": i.csrfToken, "csrf_header": i.csrfHeader},
			})
		}
		msg := body.Message
		if msg == "" {
			msg = "access denied"
		}
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "http_403", msg))
	case http.StatusTooManyRequests:
		return model.AuthFailed(model.CodedError(model.KindRateLimited, "http_429", "rate limited, wait before trying again"))
	}

	code := fmt.Sprintf("http_%d", resp.Status)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if len(body.Errors) > 0 {
		code = body.Errors[0].Code
		if code == "USERNAME_PASSWORD_WRONG" {
			return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, code, "invalid username or password"))
		}
		msg = body.Errors[0].Detail
	}
	if msg == "" {
		msg = model.Truncate(strings.TrimSpace(string(resp.Body)), 200)
	}
	kind := model.KindProtocol
	if resp.Status >= 500 {
		kind = model.KindTransientNetwork
	}
	return model.AuthFailed(model.CodedError(kind, code, "login failed: "+msg))
}

func wantsSecondFactor(body []byte) bool {
	raw := strings.ToLower(string(body))
	for _, marker := range []string{"2fa", "two factor", "two-factor", "twofactor", "two_factor"} {
		if strings.Contains(raw, marker) {
			return true
		}
	}
	return false
}

// CompleteChallenge submits the device code.
func (i *Integration) CompleteChallenge(ctx context.Context, code string, cont model.Continuation) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return model.AuthFailed(model.NewSyncError(model.KindMissingChallengeInput, "authentication code is required")), nil
	}
	if t := cont["csrf_token"]; t != "" {
		i.csrfToken = t
		if h := cont["csrf_header"]; h != "" {
			i.csrfHeader = h
		}
	}
	if i.csrfToken == "" {
		if err := i.initSession(ctx); err != nil {
			return model.AuthResult{}, err
		}
	}

	resp, err := i.client.Do(ctx, kit.Request{
		Method: http.MethodPost,
		Path:   authPath + "/2fa/verify/",
		Body:   map[string]string{"code": code},
		Header: i.headers(),
	})
	if err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}
	if resp.Status != http.StatusOK {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, fmt.Sprintf("http_%d", resp.Status), "2FA verification failed")), nil
	}
	i.loggedIn = true
	return model.Authenticated(), nil
}

// initSession loads the landing page for the CSRF cookie. Its name carries
// the number used in the matching header, e.g. CSRFT759-S pairs with x-csrft759.
func (i *Integration) initSession(ctx context.Context) error {
	resp, err := i.client.Do(ctx, kit.Request{Path: "/", Header: http.Header{"Accept": {"text/html,application/xhtml+xml"}}})
	if err != nil {
		return err
	}
	if err := kit.CheckStatus(resp); err != nil {
		return err
	}

	for _, ck := range i.client.Cookies() {
		name := strings.ToUpper(ck.Name)
		if !strings.Contains(name, "CSRFT") {
			continue
		}
		i.csrfToken = ck.Value
		if m := csrfCookiePattern.FindStringSubmatch(name); m != nil {
			i.csrfHeader = "x-csrft" + m[1]
		}
		break
	}
	return nil
}

func (i *Integration) headers() http.Header {
	h := http.Header{"Referer": {strings.TrimRight(i.client.BaseURL(), "/") + "/"}}
	if i.csrfToken != "" {
		h.Set(i.csrfHeader, i.csrfToken)
	}
	return h
}

func (i *Integration) ensureLoggedIn(ctx context.Context) error {
	if err := i.life.Check(); err != nil {
		return err
	}
	if i.loggedIn {
		return nil
	}
	res, err := i.Authenticate(ctx)
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return res.Failure
	}
	if !res.Success {
		return model.NewSyncError(model.KindInvalidCredentials, "VIAC requires a device code to log in")
	}
	return nil
}

func (i *Integration) fetchSummary(ctx context.Context) (map[string]any, error) {
	var data map[string]any
	if err := i.client.JSON(ctx, kit.Request{Path: "/rest/web/wealth/summary", Header: i.headers()}, &data); err != nil {
		return nil, fmt.Errorf("fetch wealth summary: %w", err)
	}
	i.summary = data
	return data, nil
}

func portfolioID(p map[string]any) string {
	return kit.String(p, "id", "portfolioId")
}

// Accounts lists the pillar 3a portfolios, or a single combined account
// when the summary has no portfolio breakdown.
func (i *Integration) Accounts(ctx context.Context) ([]model.AccountInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}
	summary := i.summary
	if summary == nil {
		var err error
		if summary, err = i.fetchSummary(ctx); err != nil {
			return nil, err
		}
	}

	portfolios := kit.Maps(summary["portfolios"])
	if len(portfolios) == 0 {
		return []model.AccountInfo{{ExternalID: "main", Name: "VIAC Pillar 3a", Type: model.AccountTypeRetirement, Currency: currency}}, nil
	}

	accounts := make([]model.AccountInfo, 0, len(portfolios))
	for _, p := range portfolios {
		id := portfolioID(p)
		name := kit.String(p, "name")
		if name == "" {
			name = "VIAC Portfolio " + id
		}
		ccy := kit.String(p, "currency")
		if ccy == "" {
			ccy = currency
		}
		accounts = append(accounts, model.AccountInfo{ExternalID: id, Name: name, Type: model.AccountTypeRetirement, Currency: ccy, Raw: p})
	}
	return accounts, nil
}

// Balance returns the portfolio's value, or the combined total when the
// portfolio is not listed separately.
func (i *Integration) Balance(ctx context.Context, accountID string) (model.BalanceInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return model.BalanceInfo{}, err
	}
	summary, err := i.fetchSummary(ctx)
	if err != nil {
		return model.BalanceInfo{}, err
	}

	total, _ := kit.Decimal(summary["totalValue"])
	ccy := kit.String(summary, "currency")
	if ccy == "" {
		ccy = currency
	}
	for _, p := range kit.Maps(summary["portfolios"]) {
		if portfolioID(p) != accountID {
			continue
		}
		if v, ok := kit.FirstDecimal(p, "value", "totalValue"); ok {
			total = v
		}
		if c := kit.String(p, "currency"); c != "" {
			ccy = c
		}
		break
	}

	return model.BalanceInfo{Balance: total, Currency: ccy, AsOf: kit.Today(), Raw: summary}, nil
}

var holdingClasses = map[string]model.AssetClass{
	"equity":          model.AssetClassEquity,
	"stock":           model.AssetClassEquity,
	"shares":          model.AssetClassEquity,
	"bond":            model.AssetClassFixedIncome,
	"bonds":           model.AssetClassFixedIncome,
	"fixed income":    model.AssetClassFixedIncome,
	"cash":            model.AssetClassCash,
	"real estate":     model.AssetClassRealEstate,
	"realestate":      model.AssetClassRealEstate,
	"commodity":       model.AssetClassCommodity,
	"gold":            model.AssetClassCommodity,
	"precious metals": model.AssetClassCommodity,
}

// Positions returns the portfolio's fund holdings, falling back to the
// allocations in the last wealth summary.
func (i *Integration) Positions(ctx context.Context, accountID string) ([]model.PositionInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}

	var holdings []map[string]any
	resp, err := i.client.Do(ctx, kit.Request{Path: "/rest/web/portfolio/" + url.PathEscape(accountID) + "/positions", Header: i.headers()})
	switch {
	case err == nil && resp.OK():
		var data any
		if err := resp.JSON(&data); err != nil {
			return nil, err
		}
		holdings = kit.Maps(data)
		if m, ok := data.(map[string]any); ok {
			holdings = kit.Maps(m["positions"])
			if holdings == nil {
				holdings = kit.Maps(m["holdings"])
			}
		}
	case i.summary != nil:
		slog.Warn("viac positions unavailable, using summary allocations", "account", accountID, "error", err)
		holdings = kit.Maps(i.summary["allocations"])
		if holdings == nil {
			holdings = kit.Maps(i.summary["holdings"])
		}
	}

	positions := make([]model.PositionInfo, 0, len(holdings))
	for _, h := range holdings {
		positions = append(positions, parseHolding(h))
	}
	return positions, nil
}

func parseHolding(h map[string]any) model.PositionInfo {
	qty, _ := kit.FirstDecimal(h, "quantity", "units", "shares")
	price, _ := kit.FirstDecimal(h, "price", "pricePerUnit", "nav")
	value, _ := kit.FirstDecimal(h, "value", "marketValue")
	if value.IsZero() && !qty.IsZero() && !price.IsZero() {
		value = qty.Mul(price)
	}
	class, ok := holdingClasses[strings.ToLower(kit.String(h, "assetClass", "type"))]
	if !ok {
		class = model.AssetClassOther
	}
	ccy := kit.String(h, "currency")
	if ccy == "" {
		ccy = currency
	}

	pos := model.PositionInfo{
		Symbol:      kit.String(h, "symbol", "ticker", "isin"),
		Name:        kit.String(h, "name", "description"),
		ISIN:        kit.String(h, "isin"),
		Quantity:    qty,
		Price:       price,
		MarketValue: value,
		Currency:    ccy,
		AssetClass:  class,
		Raw:         h,
	}
	if cost, ok := kit.Decimal(h["costBasis"]); ok && !cost.IsZero() {
		pos.CostBasis = &cost
	}
	return pos
}

// HistoricalBalances reads dailyWealth from the summary. VIAC reports it
// for all portfolios combined, so accountID is ignored.
func (i *Integration) HistoricalBalances(ctx context.Context, _ string, start, end time.Time) ([]model.BalanceInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}
	summary, err := i.fetchSummary(ctx)
	if err != nil {
		return nil, err
	}

	start, end = model.DateOnly(start), model.DateOnly(end)
	var out []model.BalanceInfo
	for _, entry := range kit.Maps(summary["dailyWealth"]) {
		d, ok := kit.ParseDate(entry["date"])
		if !ok || d.Before(start) || d.After(end) {
			continue
		}
		value, ok := kit.Decimal(entry["value"])
		if !ok {
			continue
		}
		out = append(out, model.BalanceInfo{Balance: value, Currency: currency, AsOf: d})
	}
	return out, nil
}

func (i *Integration) SupportsHistory() bool          { return true }
func (i *Integration) HistoryNeedsExtraRequest() bool { return true }

// Suspend captures the CSRF pairing and session cookies.
func (i *Integration) Suspend() (model.Continuation, error) {
	if err := i.life.Check(); err != nil {
		return nil, err
	}
	var cookies []string
	for _, ck := range i.client.Cookies() {
		cookies = append(cookies, ck.Name+"="+ck.Value)
	}
	return model.Continuation{
		"csrf_token":  i.csrfToken,
		"csrf_header": i.csrfHeader,
		"cookies":     strings.Join(cookies, "; "),
	}, nil
}

// Resume restores a suspended session onto this instance.
func (i *Integration) Resume(_ context.Context, state model.Continuation) error {
	if err := i.life.Check(); err != nil {
		return err
	}
	if t := state["csrf_token"]; t != "" {
		i.csrfToken = t
	}
	if h := state["csrf_header"]; h != "" {
		i.csrfHeader = h
	}
	if raw := state["cookies"]; raw != "" {
		cookies, err := http.ParseCookie(raw)
		if err != nil {
			return model.NewSyncError(model.KindProtocol, "restore cookies: %v", err)
		}
		for _, ck := range cookies {
			i.client.SetCookie(ck.Name, ck.Value)
		}
	}
	return nil
}

// Detach drops this instance without logging out.
func (i *Integration) Detach() error {
	return i.life.Close(func() error {
		i.loggedIn = false
		i.csrfToken = ""
		i.summary = nil
		return nil
	})
}

// Close logs out, ignoring failures.
func (i *Integration) Close() error {
	return i.life.Close(func() error {
		if i.loggedIn {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = i.client.Do(ctx, kit.Request{Method: http.MethodPost, Path: authPath + "/logout/", Header: i.headers()})
		}
		i.loggedIn = false
		i.csrfToken = ""
		i.summary = nil
		return nil
	})
}
