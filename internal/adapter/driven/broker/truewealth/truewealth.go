// Package truewealth integrates the True Wealth robo-advisor through the
// JSON API behind its web app. Login needs a password and a TOTP code,
// which is generated from a stored secret when one is available.
package truewealth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

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
	BaseURL = "https://app.truewealth.ch"

	clientVersion = "v499.0.0"
	xsrfCookie    = "__Host-XSRF-Token"
	currency      = "CHF"
)

// Integration is one True Wealth web session.
type Integration struct {
	client      *kit.Client
	username    string
	password    string
	totpSecret  string
	totpToken   string
	portfolioID string
	xsrf        string
	initialized bool
	loggedIn    bool
	portfolios  []model.AccountInfo
	now         func() time.Time
	life        kit.Lifecycle
}

// New creates an Integration against baseURL (BaseURL in production).
// httpClient may be nil.
func New(baseURL string, creds model.Credentials, httpClient *http.Client) (*Integration, error) {
	client, err := kit.NewClient(baseURL,
		kit.WithHTTPClient(httpClient),
		kit.WithHeader("Accept", "application/json, text/plain, */*"),
		kit.WithHeader("X-Client-Version", clientVersion),
		kit.WithHeader("X-Requested-With", "XMLHttpRequest"),
		kit.WithHeader("X-Correlation-Id", uuid.NewString()[:8]),
	)
	if err != nil {
		return nil, err
	}

	token := creds.Get("token")
	if token == "" {
		token = creds.Get("totp_token")
	}
	return &Integration{
		client:      client,
		username:    creds.Get("username"),
		password:    creds.Get("password"),
		totpSecret:  creds.Get("totp_secret"),
		totpToken:   token,
		portfolioID: creds.Get("portfolio_id"),
		xsrf:        creds.Get("xsrf_token"),
		now:         time.Now,
	}, nil
}

// Authenticate logs in directly when a TOTP code is available and asks for
// one otherwise.
func (i *Integration) Authenticate(ctx context.Context) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	if i.username == "" || i.password == "" {
		return model.AuthFailed(model.NewSyncError(model.KindInvalidCredentials, "username and password are required")), nil
	}

	if err := i.initSession(ctx); err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}

	code := i.totpToken
	if code == "" && i.totpSecret != "" {
		generated, err := totp.GenerateCode(normalizeSecret(i.totpSecret), i.now())
		if err != nil {
			return model.AuthFailed(model.NewSyncError(model.KindInvalidCredentials, "invalid TOTP secret: %v", err)), nil
		}
		code = generated
	}
	if code == "" {
		return model.ChallengeRequired(i.totpChallenge("Enter the 6-digit code from your authenticator app.")), nil
	}

	return i.login(ctx, code)
}

// CompleteChallenge logs in with the code the user typed.
func (i *Integration) CompleteChallenge(ctx context.Context, code string, cont model.Continuation) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return model.AuthFailed(model.NewSyncError(model.KindMissingChallengeInput, "TOTP code is required")), nil
	}
	if x := cont["xsrf_token"]; x != "" {
		i.xsrf = x
	}
	if err := i.initSession(ctx); err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}
	return i.login(ctx, code)
}

func (i *Integration) totpChallenge(prompt string) model.Challenge {
	return model.Challenge{
		Kind:         model.ChallengeTOTP,
		Prompt:       prompt,
		Continuation: model.Continuation{"xsrf_token": i.xsrf},
	}
}

// initSession loads the login page and auth check so the server issues its
// session cookies. The XSRF check is double-submit: any token works as long
// as cookie and header agree.
func (i *Integration) initSession(ctx context.Context) error {
	if i.initialized {
		return nil
	}

	if _, err := i.client.Do(ctx, kit.Request{
		Path:   "/app/login",
		Query:  url.Values{"lang": {"en"}},
		Header: http.Header{"Accept": {"text/html,application/xhtml+xml"}},
	}); err != nil {
		return err
	}

	if i.xsrf == "" {
		for _, ck := range i.client.Cookies() {
			name := strings.ToUpper(ck.Name)
			if strings.Contains(name, "XSRF") || strings.Contains(name, "CSRF") {
				i.xsrf = ck.Value
				break
			}
		}
	}

	if _, err := i.client.Do(ctx, kit.Request{Path: "/api/public/authCheck"}); err != nil {
		return err
	}

	if i.xsrf == "" {
		i.xsrf = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	i.client.SetCookie(xsrfCookie, i.xsrf)
	i.initialized = true
	return nil
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (i *Integration) login(ctx context.Context, code string) (model.AuthResult, error) {
	resp, err := i.client.Do(ctx, kit.Request{
		Method: http.MethodPost,
		Path:   "/api/auth/login",
		Body:   map[string]string{"loginId": i.username, "password": i.password, "token": code},
		Header: i.headers("/app/login?lang=en"),
	})
	if err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}

	switch resp.Status {
	case http.StatusOK, http.StatusNoContent:
		i.loggedIn = true
		// Single-use.
		i.totpToken = ""
		if err := i.discoverPortfolios(ctx); err != nil {
			slog.Warn("truewealth portfolio discovery failed", "error", err)
		}
		return model.Authenticated(), nil
	case http.StatusUnauthorized:
		msg := errorMessage(resp, "invalid credentials or TOTP code")
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "http_401", msg)), nil
	case http.StatusForbidden:
		return model.ChallengeRequired(i.totpChallenge("Invalid or expired TOTP code. Please try again.")), nil
	case http.StatusTooManyRequests:
		return model.AuthFailed(model.CodedError(model.KindRateLimited, "http_429", "rate limited, wait before trying again")), nil
	default:
		msg := errorMessage(resp, fmt.Sprintf("login failed with status %d", resp.Status))
		if resp.Status == http.StatusBadRequest && len(resp.Body) == 0 {
			msg = "login rejected with an empty response; automated requests may be blocked"
		}
		kind := model.KindProtocol
		if resp.Status >= 500 {
			kind = model.KindTransientNetwork
		}
		return model.AuthFailed(model.CodedError(kind, fmt.Sprintf("http_%d", resp.Status), msg)), nil
	}
}

func errorMessage(resp *kit.Response, fallback string) string {
	var e apiError
	if err := resp.JSON(&e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return fallback
}

func (i *Integration) headers(referer string) http.Header {
	return http.Header{
		"Referer":      {strings.TrimRight(i.client.BaseURL(), "/") + referer},
		"X-Xsrf-Token": {i.xsrf},
	}
}

// discoverPortfolios derives the portfolio list from the fee schedules,
// the only endpoint that enumerates portfolio ids.
func (i *Integration) discoverPortfolios(ctx context.Context) error {
	var schedules []map[string]any
	if err := i.client.JSON(ctx, kit.Request{Path: "/api/user/fees/customer-fee-schedules", Header: i.headers("/app/overview")}, &schedules); err != nil {
		return err
	}

	seen := make(map[string]bool)
	i.portfolios = i.portfolios[:0]
	for _, s := range schedules {
		id := kit.String(s, "portfolioId")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		i.portfolios = append(i.portfolios, model.AccountInfo{
			ExternalID: id,
			Name:       "True Wealth Portfolio " + id,
			Type:       model.AccountTypeBrokerage,
			Currency:   currency,
			Raw:        s,
		})
	}
	slog.Info("truewealth portfolios discovered", "count", len(i.portfolios))
	return nil
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
		return model.NewSyncError(model.KindInvalidCredentials, "TOTP code required to log in to True Wealth")
	}
	return nil
}

// Accounts lists the discovered portfolios, falling back to a configured
// portfolio id.
func (i *Integration) Accounts(ctx context.Context) ([]model.AccountInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}
	if len(i.portfolios) == 0 {
		if err := i.discoverPortfolios(ctx); err != nil {
			return nil, fmt.Errorf("discover portfolios: %w", err)
		}
	}

	accounts := append([]model.AccountInfo(nil), i.portfolios...)
	if len(accounts) == 0 && i.portfolioID != "" {
		accounts = append(accounts, model.AccountInfo{
			ExternalID: i.portfolioID,
			Name:       "True Wealth Portfolio",
			Type:       model.AccountTypeBrokerage,
			Currency:   currency,
		})
	}
	return accounts, nil
}

// Balance returns the portfolio's net value.
func (i *Integration) Balance(ctx context.Context, portfolioID string) (model.BalanceInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return model.BalanceInfo{}, err
	}

	var data map[string]any
	path := "/api/portfolios/" + url.PathEscape(portfolioID) + "/performanceSummary"
	if err := i.client.JSON(ctx, kit.Request{Path: path, Header: i.headers("/app/overview")}, &data); err != nil {
		return model.BalanceInfo{}, fmt.Errorf("fetch performance summary: %w", err)
	}

	item := kit.Map(data, "portfolioItem")
	if item == nil {
		item = data
	}
	netValue, ok := kit.Decimal(item["netValue"])
	if !ok {
		return model.BalanceInfo{}, model.NewSyncError(model.KindProtocol, "performance summary for %s has no net value", portfolioID)
	}
	ccy := kit.String(item, "currency")
	if ccy == "" {
		ccy = currency
	}
	asOf, ok := kit.ParseDate(data["date"])
	if !ok {
		asOf = kit.Today()
	}

	return model.BalanceInfo{Balance: netValue, Currency: ccy, AsOf: asOf, Raw: data}, nil
}

var holdingClasses = map[string]model.AssetClass{
	"equity":       model.AssetClassEquity,
	"stock":        model.AssetClassEquity,
	"bond":         model.AssetClassFixedIncome,
	"fixed income": model.AssetClassFixedIncome,
	"cash":         model.AssetClassCash,
	"real estate":  model.AssetClassRealEstate,
	"commodity":    model.AssetClassCommodity,
	"gold":         model.AssetClassCommodity,
}

// Positions returns the portfolio holdings. A missing holdings endpoint
// yields no positions rather than failing the sync.
func (i *Integration) Positions(ctx context.Context, portfolioID string) ([]model.PositionInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}

	path := "/api/portfolios/" + url.PathEscape(portfolioID) + "/holdings"
	resp, err := i.client.Do(ctx, kit.Request{Path: path, Header: i.headers("/app/overview")})
	if err != nil {
		return nil, fmt.Errorf("fetch holdings: %w", err)
	}
	if !resp.OK() {
		slog.Warn("truewealth holdings unavailable", "portfolio", portfolioID, "status", resp.Status)
		return nil, nil
	}

	var data any
	if err := resp.JSON(&data); err != nil {
		return nil, err
	}
	holdings := kit.Maps(data)
	if m, ok := data.(map[string]any); ok {
		holdings = kit.Maps(m["holdings"])
	}

	positions := make([]model.PositionInfo, 0, len(holdings))
	for _, h := range holdings {
		qty, _ := kit.FirstDecimal(h, "quantity", "units")
		price, _ := kit.FirstDecimal(h, "price", "pricePerUnit")
		value, _ := kit.FirstDecimal(h, "marketValue", "value")
		ccy := kit.String(h, "currency")
		if ccy == "" {
			ccy = currency
		}
		class, ok := holdingClasses[strings.ToLower(kit.String(h, "assetClass", "type"))]
		if !ok {
			class = model.AssetClassOther
		}

		pos := model.PositionInfo{
			Symbol:      kit.String(h, "symbol", "ticker"),
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
		positions = append(positions, pos)
	}
	return positions, nil
}

// HistoricalBalances reads the performance history, falling back to the
// chart endpoint. Both have been seen returning either a list of points or
// parallel date and value arrays.
func (i *Integration) HistoricalBalances(ctx context.Context, portfolioID string, start, end time.Time) ([]model.BalanceInfo, error) {
	if err := i.ensureLoggedIn(ctx); err != nil {
		return nil, err
	}

	base := "/api/portfolios/" + url.PathEscape(portfolioID)
	resp, err := i.client.Do(ctx, kit.Request{
		Path:   base + "/performance/history",
		Query:  url.Values{"from": {start.Format(time.DateOnly)}, "to": {end.Format(time.DateOnly)}},
		Header: i.headers("/app/overview"),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch performance history: %w", err)
	}
	if !resp.OK() {
		resp, err = i.client.Do(ctx, kit.Request{
			Path:   base + "/chart",
			Query:  url.Values{"startDate": {start.Format(time.DateOnly)}, "endDate": {end.Format(time.DateOnly)}},
			Header: i.headers("/app/overview"),
		})
		if err != nil {
			return nil, fmt.Errorf("fetch chart: %w", err)
		}
	}
	if !resp.OK() {
		slog.Debug("truewealth history unavailable", "portfolio", portfolioID, "status", resp.Status)
		return nil, nil
	}

	var data any
	if err := resp.JSON(&data); err != nil {
		return nil, err
	}
	return parseHistory(data), nil
}

func parseHistory(data any) []model.BalanceInfo {
	var out []model.BalanceInfo
	add := func(date any, value decimal.Decimal) {
		if d, ok := kit.ParseDate(date); ok && !value.IsZero() {
			out = append(out, model.BalanceInfo{Balance: value, Currency: currency, AsOf: d})
		}
	}

	switch d := data.(type) {
	case []any:
		for _, p := range kit.Maps(d) {
			date := p["date"]
			if date == nil {
				date = p["timestamp"]
			}
			value, _ := kit.FirstDecimal(p, "value", "netValue", "totalValue")
			add(date, value)
		}
	case map[string]any:
		dates, _ := d["dates"].([]any)
		values, _ := d["values"].([]any)
		if values == nil {
			values, _ = d["netValues"].([]any)
		}
		for idx := 0; idx < len(dates) && idx < len(values); idx++ {
			value, _ := kit.Decimal(values[idx])
			add(dates[idx], value)
		}
	}
	return out
}

func (i *Integration) SupportsHistory() bool          { return true }
func (i *Integration) HistoryNeedsExtraRequest() bool { return true }

// Suspend captures the session cookies and XSRF token.
func (i *Integration) Suspend() (model.Continuation, error) {
	if err := i.life.Check(); err != nil {
		return nil, err
	}
	state := model.Continuation{"xsrf_token": i.xsrf}
	var cookies []string
	for _, ck := range i.client.Cookies() {
		cookies = append(cookies, ck.Name+"="+ck.Value)
	}
	state["cookies"] = strings.Join(cookies, "; ")
	return state, nil
}

// Resume restores a suspended session onto this instance.
func (i *Integration) Resume(_ context.Context, state model.Continuation) error {
	if err := i.life.Check(); err != nil {
		return err
	}
	if x := state["xsrf_token"]; x != "" {
		i.xsrf = x
	}
	if raw := state["cookies"]; raw != "" {
		cookies, err := http.ParseCookie(raw)
		if err != nil {
			return model.NewSyncError(model.KindProtocol, "restore cookies: %v", err)
		}
		for _, ck := range cookies {
			i.client.SetCookie(ck.Name, ck.Value)
		}
		i.initialized = true
	}
	return nil
}

// Detach drops this instance without logging out, so the cookies captured
// by Suspend stay valid for the instance that resumes them.
func (i *Integration) Detach() error {
	return i.life.Close(func() error {
		i.loggedIn = false
		i.xsrf = ""
		return nil
	})
}

// Close logs out. Logout failures are ignored; the session expires anyway.
func (i *Integration) Close() error {
	return i.life.Close(func() error {
		if i.loggedIn {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = i.client.Do(ctx, kit.Request{Method: http.MethodPost, Path: "/api/auth/logout", Header: i.headers("/app/overview")})
		}
		i.loggedIn = false
		i.xsrf = ""
		return nil
	})
}

func normalizeSecret(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
