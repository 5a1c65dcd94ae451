// Package ibkr integrates Interactive Brokers in two ways: the Flex Web
// Service, which needs only a token and query id, and a locally running
// Client Portal Gateway, where the user logs in through the gateway's own
// web page and this package only checks that session.
package ibkr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/kit"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.Integration = (*Gateway)(nil)

const loginInstructions = `1. Open the gateway at [%[1]s](%[1]s) in your browser
2. Log in with your IBKR credentials
3. Complete any second factor prompts
4. Return here and continue`

// Gateway is the Client Portal Gateway integration.
type Gateway struct {
	client        *kit.Client
	gatewayURL    string
	authenticated bool
	life          kit.Lifecycle
}

// NewGateway creates a Gateway for gatewayURL (e.g. https://localhost:5000).
// httpClient may be nil. The gateway ships a self-signed certificate, so TLS
// verification is skipped for loopback hosts only.
func NewGateway(gatewayURL string, httpClient *http.Client) (*Gateway, error) {
	gatewayURL = strings.TrimRight(strings.TrimSpace(gatewayURL), "/")
	if gatewayURL == "" {
		return nil, model.NewSyncError(model.KindUnsupportedConfiguration, "ibkr gateway url is required")
	}

	if httpClient == nil {
		httpClient = defaultHTTPClient(gatewayURL)
	}

	client, err := kit.NewClient(gatewayURL+"/v1/api", kit.WithHTTPClient(httpClient), kit.WithRateLimit(10, 10))
	if err != nil {
		return nil, err
	}
	return &Gateway{client: client, gatewayURL: gatewayURL}, nil
}

func defaultHTTPClient(gatewayURL string) *http.Client {
	u, err := url.Parse(gatewayURL)
	if err != nil || !isLoopback(u.Hostname()) {
		return &http.Client{}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // loopback gateway with self-signed cert
	return &http.Client{Transport: transport}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type authStatus struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
}

// Authenticate checks whether the gateway holds a logged-in session.
func (g *Gateway) Authenticate(ctx context.Context) (model.AuthResult, error) {
	if err := g.life.Check(); err != nil {
		return model.AuthResult{}, err
	}

	var status authStatus
	if err := g.client.JSON(ctx, kit.Request{Path: "/iserver/auth/status"}, &status); err != nil {
		if se, ok := kit.AsSyncError(err); ok {
			return model.AuthFailed(se), nil
		}
		return model.AuthResult{}, err
	}

	if status.Authenticated && status.Connected {
		g.authenticated = true
		// Keepalive only; a failed tickle does not invalidate the session.
		_, _ = g.client.Do(ctx, kit.Request{Method: http.MethodPost, Path: "/tickle"})
		return model.Authenticated(), nil
	}

	if !status.Authenticated {
		return model.ChallengeRequired(model.Challenge{
			Kind:         model.ChallengeGateway,
			Prompt:       fmt.Sprintf("Please authenticate via the Client Portal Gateway at %s", g.gatewayURL),
			HTML:         kit.RenderInstructions(fmt.Sprintf(loginInstructions, g.gatewayURL)),
			Continuation: model.Continuation{"gateway_url": g.gatewayURL},
		}), nil
	}

	return model.AuthFailed(model.NewSyncError(model.KindTransientNetwork, "gateway authenticated but not connected to IBKR")), nil
}

// CompleteChallenge re-checks the gateway; the login itself happens in the browser.
func (g *Gateway) CompleteChallenge(ctx context.Context, _ string, _ model.Continuation) (model.AuthResult, error) {
	return g.Authenticate(ctx)
}

func (g *Gateway) ensureAuthenticated(ctx context.Context) error {
	if err := g.life.Check(); err != nil {
		return err
	}
	if g.authenticated {
		return nil
	}
	res, err := g.Authenticate(ctx)
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return res.Failure
	}
	if !res.Success {
		return model.NewSyncError(model.KindInvalidCredentials, "not authenticated with the IBKR gateway")
	}
	return nil
}

// Accounts lists the accounts visible to the gateway session.
func (g *Gateway) Accounts(ctx context.Context) ([]model.AccountInfo, error) {
	if err := g.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := g.client.JSON(ctx, kit.Request{Path: "/portfolio/accounts"}, &raw); err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}

	accounts := make([]model.AccountInfo, 0, len(raw))
	for _, acc := range raw {
		id := kit.String(acc, "id", "accountId")
		if id == "" {
			continue
		}
		accountType := model.AccountTypeBrokerage
		if strings.Contains(strings.ToLower(kit.String(acc, "type")), "ira") {
			accountType = model.AccountTypeRetirement
		}
		currency := kit.String(acc, "currency")
		if currency == "" {
			currency = "USD"
		}
		name := kit.String(acc, "accountAlias", "accountTitle")
		if name == "" {
			name = id
		}
		accounts = append(accounts, model.AccountInfo{ExternalID: id, Name: name, Type: accountType, Currency: strings.ToUpper(currency), Raw: acc})
	}
	return accounts, nil
}

// Balance reads the net liquidation value from the ledger's BASE entry,
// falling back to the first currency entry that has one.
func (g *Gateway) Balance(ctx context.Context, accountID string) (model.BalanceInfo, error) {
	if err := g.ensureAuthenticated(ctx); err != nil {
		return model.BalanceInfo{}, err
	}

	var ledger map[string]any
	path := "/portfolio/" + url.PathEscape(accountID) + "/ledger"
	if err := g.client.JSON(ctx, kit.Request{Path: path}, &ledger); err != nil {
		return model.BalanceInfo{}, fmt.Errorf("fetch ledger: %w", err)
	}

	entry, currency := kit.Map(ledger, "BASE"), ""
	if entry == nil {
		for code, v := range ledger {
			if m, ok := v.(map[string]any); ok {
				if _, has := m["netliquidationvalue"]; has {
					entry, currency = m, code
					break
				}
			}
		}
	}
	if entry == nil {
		return model.BalanceInfo{}, model.NewSyncError(model.KindProtocol, "ledger for %s has no net liquidation value", accountID)
	}

	if c := kit.String(entry, "currency"); c != "" {
		currency = c
	}
	if currency == "" || currency == "BASE" {
		currency = "USD"
	}

	netLiq, _ := kit.Decimal(entry["netliquidationvalue"])
	info := model.BalanceInfo{Balance: netLiq, Currency: strings.ToUpper(currency), AsOf: kit.Today(), Raw: ledger}
	if avail, ok := kit.Decimal(entry["availablefunds"]); ok && !avail.IsZero() {
		info.Available = &avail
	}
	return info, nil
}

// Positions refreshes the gateway's position cache and reads page 0.
func (g *Gateway) Positions(ctx context.Context, accountID string) ([]model.PositionInfo, error) {
	if err := g.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	base := "/portfolio/" + url.PathEscape(accountID)
	_, _ = g.client.Do(ctx, kit.Request{Method: http.MethodPost, Path: base + "/positions/invalidate"})

	resp, err := g.client.Do(ctx, kit.Request{Path: base + "/positions/0"})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if resp.Status == http.StatusNotFound {
		return nil, nil
	}
	if err := kit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	var raw []map[string]any
	if err := resp.JSON(&raw); err != nil {
		return nil, err
	}

	positions := make([]model.PositionInfo, 0, len(raw))
	for _, p := range raw {
		qty, ok := kit.Decimal(p["position"])
		if !ok || qty.IsZero() {
			continue
		}
		value, _ := kit.Decimal(p["mktValue"])
		price, _ := kit.Decimal(p["mktPrice"])
		currency := kit.String(p, "currency")
		if currency == "" {
			currency = "USD"
		}
		assetClass := kit.String(p, "assetClass")
		if assetClass == "" {
			assetClass = "STK"
		}

		pos := model.PositionInfo{
			Symbol:      kit.String(p, "contractDesc", "ticker"),
			Name:        kit.String(p, "name", "contractDesc"),
			Quantity:    qty.Abs(),
			Price:       price,
			MarketValue: value.Abs(),
			Currency:    currency,
			AssetClass:  kit.AssetClassFor(assetClass),
			Raw:         p,
		}
		if avgCost, ok := kit.Decimal(p["avgCost"]); ok && !avgCost.IsZero() {
			cost := avgCost.Mul(qty).Abs()
			pos.CostBasis = &cost
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// HistoricalBalances is unsupported; the gateway exposes no NAV history.
func (g *Gateway) HistoricalBalances(context.Context, string, time.Time, time.Time) ([]model.BalanceInfo, error) {
	return nil, nil
}

func (g *Gateway) SupportsHistory() bool          { return false }
func (g *Gateway) HistoryNeedsExtraRequest() bool { return true }

// Close forgets the session. The gateway login itself stays valid for the user.
func (g *Gateway) Close() error {
	return g.life.Close(func() error {
		g.authenticated = false
		return nil
	})
}
