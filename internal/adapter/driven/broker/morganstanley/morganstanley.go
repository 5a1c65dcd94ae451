// Package morganstanley reads equity compensation holdings from Morgan
// Stanley at Work over its GraphQL API. The site's login cannot be
// automated, so the user supplies the session token and employee id copied
// from a logged-in browser session.
package morganstanley

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/kit"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.Integration = (*Integration)(nil)

const (
	// BaseURL is the production site; GraphQL is served at /graphql.
	BaseURL = "https://atwork.morganstanley.com"

	accountName = "Morgan Stanley at Work"
	currency    = "USD"
)

const (
	tokenHelp = "In your browser's developer tools, open Network, filter by 'graphql' " +
		"and copy the 'authorization' header value (without 'Bearer ')."
	employeeHelp = "In your browser's developer tools, open any /graphql request and copy " +
		"the 'employeeid' header value. It differs from the token's subject."
)

// Integration is one GraphQL session authorized by a browser-issued token.
type Integration struct {
	client        *kit.Client
	token         string
	employeeID    string
	accountNumber string
	now           func() time.Time
	life          kit.Lifecycle
}

// New creates an Integration against baseURL (BaseURL in production).
// httpClient may be nil.
func New(baseURL string, creds model.Credentials, httpClient *http.Client) (*Integration, error) {
	client, err := kit.NewClient(baseURL, kit.WithHTTPClient(httpClient), kit.WithHeader("Accept", "application/json"))
	if err != nil {
		return nil, err
	}

	token := creds.Get("jwt_token")
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	accountNumber := creds.Get("account_number")
	if accountNumber == "" {
		accountNumber = creds.Get("username")
	}
	return &Integration{
		client:        client,
		token:         token,
		employeeID:    creds.Get("employee_id"),
		accountNumber: accountNumber,
		now:           time.Now,
	}, nil
}

// Authenticate validates the supplied token locally. The signature cannot
// be checked client side; expiry and an employee id fallback are read from
// the unverified claims.
func (i *Integration) Authenticate(context.Context) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	if i.token == "" {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "missing_jwt_token", "session token is required. "+tokenHelp)), nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(i.token, claims); err != nil {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "malformed_jwt_token", "session token is not a valid JWT. "+tokenHelp)), nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && !exp.After(i.now()) {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "jwt_expired", "session token expired; copy a fresh one from your browser")), nil
	}

	if i.employeeID == "" {
		i.employeeID = employeeFromClaims(claims)
	}
	if i.employeeID == "" {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "missing_employee_id", "employee id is required. "+employeeHelp)), nil
	}
	return model.Authenticated(), nil
}

// employeeFromClaims skips "sub", which holds the account key rather than
// the employee id the API expects.
func employeeFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"employeeId", "employee_id", "employeePK"} {
		if v, ok := claims[key]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// CompleteChallenge always fails: second factors are handled in the browser.
func (i *Integration) CompleteChallenge(context.Context, string, model.Continuation) (model.AuthResult, error) {
	return model.AuthFailed(model.NewSyncError(model.KindUnsupportedConfiguration,
		"two-factor authentication must be completed on the Morgan Stanley website; log in there and copy a fresh session token")), nil
}

type graphQLRequest struct {
	OperationName *string        `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]any `json:"data"`
	Errors []graphQLError `json:"errors"`
}

func (i *Integration) query(ctx context.Context, q string, vars map[string]any) (map[string]any, error) {
	if err := i.life.Check(); err != nil {
		return nil, err
	}
	res, err := i.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if res.Failure != nil {
		return nil, res.Failure
	}
	if vars == nil {
		vars = map[string]any{}
	}

	base := strings.TrimRight(i.client.BaseURL(), "/")
	resp, err := i.client.Do(ctx, kit.Request{
		Method: http.MethodPost,
		Path:   "/graphql",
		Body:   graphQLRequest{Variables: vars, Query: q},
		Header: http.Header{
			"Authorization": {i.token},
			"Employeeid":    {i.employeeID},
			"Origin":        {base},
			"Referer":       {base + "/solium/servlet/ui"},
		},
	})
	if err != nil {
		return nil, err
	}

	var out graphQLResponse
	decodeErr := resp.JSON(&out)
	if err := graphQLErrors(out.Errors); err != nil {
		return nil, err
	}
	if err := kit.CheckStatus(resp); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out.Data, nil
}

// graphQLErrors classifies errors returned in the response body, which
// arrive with both 200 and error statuses.
func graphQLErrors(errs []graphQLError) error {
	for _, e := range errs {
		msg := strings.ToLower(e.Message)
		if strings.Contains(msg, "token") &&
			(strings.Contains(msg, "signature") || strings.Contains(msg, "expired") || strings.Contains(msg, "invalid")) {
			return model.CodedError(model.KindInvalidCredentials, "jwt_rejected", "session token expired or invalid; copy a fresh one from your browser ("+e.Message+")")
		}
		if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") {
			return model.CodedError(model.KindInvalidCredentials, "graphql_auth", e.Message)
		}
	}
	if len(errs) > 0 {
		return model.CodedError(model.KindProtocol, "graphql", errs[0].Message)
	}
	return nil
}

// Accounts returns the single stock plan account.
func (i *Integration) Accounts(ctx context.Context) ([]model.AccountInfo, error) {
	if err := i.life.Check(); err != nil {
		return nil, err
	}
	res, err := i.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if res.Failure != nil {
		return nil, res.Failure
	}

	id := i.accountNumber
	if id == "" {
		id = i.employeeID
	}
	return []model.AccountInfo{{ExternalID: id, Name: accountName, Type: model.AccountTypeBrokerage, Currency: currency}}, nil
}

const portfolioQuery = `query {
  portfolio {
    availableValue { amount currency }
    unavailableValue { amount currency }
  }
}`

// Balance counts only the vested (available) value; unvested shares are
// reported in Raw.
func (i *Integration) Balance(ctx context.Context, _ string) (model.BalanceInfo, error) {
	data, err := i.query(ctx, portfolioQuery, map[string]any{"cumulative": true})
	if err != nil {
		return model.BalanceInfo{}, fmt.Errorf("fetch portfolio: %w", err)
	}

	portfolio := kit.Map(data, "portfolio")
	available := kit.Map(portfolio, "availableValue")
	unavailable := kit.Map(portfolio, "unavailableValue")

	vested, _ := kit.Decimal(available["amount"])
	unvested, _ := kit.Decimal(unavailable["amount"])
	ccy := kit.String(available, "currency")
	if ccy == "" {
		ccy = kit.String(unavailable, "currency")
	}
	if ccy == "" {
		ccy = currency
	}

	return model.BalanceInfo{
		Balance:   vested,
		Available: &vested,
		Currency:  ccy,
		AsOf:      kit.Today(),
		Raw:       map[string]any{"vestedValue": vested.String(), "unvestedValue": unvested.String(), "currency": ccy},
	}, nil
}

const holdingsQuery = `query {
  holdings {
    symbol
    name
    quantity
    currentPrice { amount currency }
    marketValue { amount currency }
    costBasis { amount currency }
    grantType
    vestingStatus
  }
}`

const grantsQuery = `query {
  stockGrants {
    symbol
    grantName
    vestedShares
    unvestedShares
    currentPrice
    vestedValue
    grantType
  }
}`

// Positions reads holdings, falling back to the older stock grants query.
// Authentication errors are not retried against the fallback.
func (i *Integration) Positions(ctx context.Context, _ string) ([]model.PositionInfo, error) {
	data, err := i.query(ctx, holdingsQuery, nil)
	if err == nil {
		var positions []model.PositionInfo
		for _, h := range kit.Maps(data["holdings"]) {
			positions = append(positions, parseHolding(h))
		}
		return positions, nil
	}
	if model.KindOf(err) == model.KindInvalidCredentials {
		return nil, err
	}

	data, grantErr := i.query(ctx, grantsQuery, nil)
	if grantErr != nil {
		return nil, fmt.Errorf("fetch holdings: %w", err)
	}
	var positions []model.PositionInfo
	for _, g := range kit.Maps(data["stockGrants"]) {
		vested, _ := kit.Decimal(g["vestedShares"])
		price, _ := kit.Decimal(g["currentPrice"])
		value, _ := kit.Decimal(g["vestedValue"])
		positions = append(positions, model.PositionInfo{
			Symbol:      kit.String(g, "symbol"),
			Name:        kit.String(g, "grantName"),
			Quantity:    vested,
			Price:       price,
			MarketValue: value,
			Currency:    currency,
			AssetClass:  model.AssetClassEquity,
			Raw:         g,
		})
	}
	return positions, nil
}

func parseHolding(h map[string]any) model.PositionInfo {
	price := kit.Map(h, "currentPrice")
	value := kit.Map(h, "marketValue")

	qty, _ := kit.Decimal(h["quantity"])
	p, _ := kit.Decimal(price["amount"])
	v, _ := kit.Decimal(value["amount"])
	ccy := kit.String(price, "currency")
	if ccy == "" {
		ccy = currency
	}

	pos := model.PositionInfo{
		Symbol:      kit.String(h, "symbol"),
		Name:        kit.String(h, "name", "grantName"),
		Quantity:    qty,
		Price:       p,
		MarketValue: v,
		Currency:    ccy,
		// Options, RSUs and shares are all equity exposure.
		AssetClass: model.AssetClassEquity,
		Raw:        h,
	}
	if cost, ok := kit.Decimal(kit.Map(h, "costBasis")["amount"]); ok && !cost.IsZero() {
		pos.CostBasis = &cost
	}
	return pos
}

// HistoricalBalances is unsupported.
func (i *Integration) HistoricalBalances(context.Context, string, time.Time, time.Time) ([]model.BalanceInfo, error) {
	return nil, nil
}

func (i *Integration) SupportsHistory() bool          { return false }
func (i *Integration) HistoryNeedsExtraRequest() bool { return true }

// Close forgets the token.
func (i *Integration) Close() error {
	return i.life.Close(func() error {
		i.token = ""
		return nil
	})
}
