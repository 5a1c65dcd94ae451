package ibkr

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/kit"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.Integration = (*Flex)(nil)

// FlexServiceURL is the IBKR Flex Web Service endpoint.
const FlexServiceURL = "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService"

const (
	flexAttempts     = 10
	flexPollInterval = 2 * time.Second
	flexTimeout      = 60 * time.Second
)

var errStatementPending = errors.New("flex statement still generating")

// Flex reads a pre-configured Activity Flex Query. There is no interactive
// login: the token and query id are validated by the first report request.
type Flex struct {
	client       *kit.Client
	token        string
	queryID      string
	accountID    string
	pollInterval time.Duration
	report       *flexReport
	life         kit.Lifecycle
}

// FlexOption configures a Flex integration.
type FlexOption func(*Flex)

// WithFlexPollInterval overrides the wait between GetStatement attempts.
func WithFlexPollInterval(d time.Duration) FlexOption {
	return func(f *Flex) { f.pollInterval = d }
}

// NewFlex creates a Flex integration against serviceURL (FlexServiceURL in
// production). httpClient may be nil.
func NewFlex(serviceURL string, creds model.Credentials, httpClient *http.Client, opts ...FlexOption) (*Flex, error) {
	client, err := kit.NewClient(serviceURL,
		kit.WithHTTPClient(httpClient),
		kit.WithTimeout(flexTimeout),
		kit.WithHeader("User-Agent", "wealthpanel/1.0"),
	)
	if err != nil {
		return nil, err
	}

	f := &Flex{
		client:       client,
		token:        creds.Get("flex_token"),
		queryID:      creds.Get("query_id"),
		accountID:    creds.Get("account_id"),
		pollInterval: flexPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Authenticate only checks that the token and query id are present. IBKR
// allows few Flex requests per day, so no call is spent on validation.
func (f *Flex) Authenticate(context.Context) (model.AuthResult, error) {
	if err := f.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	if f.token == "" {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "missing_flex_token",
			"Flex token is required. Generate one in IBKR Client Portal under Reports > Flex Queries.")), nil
	}
	if f.queryID == "" {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "missing_query_id",
			"Flex query id is required. Create an Activity Flex Query in IBKR Client Portal.")), nil
	}
	return model.Authenticated(), nil
}

// CompleteChallenge is never needed; Flex has no second factor.
func (f *Flex) CompleteChallenge(ctx context.Context, _ string, _ model.Continuation) (model.AuthResult, error) {
	return f.Authenticate(ctx)
}

// Accounts fetches the report and lists its AccountInformation entries.
func (f *Flex) Accounts(ctx context.Context) ([]model.AccountInfo, error) {
	report, err := f.load(ctx)
	if err != nil {
		return nil, err
	}

	var accounts []model.AccountInfo
	for _, acc := range report.accounts {
		accounts = append(accounts, model.AccountInfo{
			ExternalID: acc.id,
			Name:       acc.name,
			Type:       model.AccountTypeBrokerage,
			Currency:   acc.currency,
		})
	}
	if len(accounts) == 0 && f.accountID != "" {
		accounts = append(accounts, model.AccountInfo{
			ExternalID: f.accountID,
			Name:       "IBKR Account",
			Type:       model.AccountTypeBrokerage,
			Currency:   report.currency,
		})
	}
	return accounts, nil
}

// Balance returns the report's net asset value as of its end date.
func (f *Flex) Balance(ctx context.Context, _ string) (model.BalanceInfo, error) {
	report, err := f.load(ctx)
	if err != nil {
		return model.BalanceInfo{}, err
	}

	cash := make([]any, 0, len(report.cash))
	for _, c := range report.cash {
		cash = append(cash, map[string]any{"currency": c.currency, "amount": c.amount.String()})
	}
	return model.BalanceInfo{
		Balance:  report.nav,
		Currency: report.currency,
		AsOf:     report.date,
		Raw:      map[string]any{"cash_balances": cash, "positions_count": len(report.positions)},
	}, nil
}

// Positions returns the report's open positions.
func (f *Flex) Positions(ctx context.Context, _ string) ([]model.PositionInfo, error) {
	report, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	return report.positions, nil
}

// HistoricalBalances returns every daily value in the report. The window is
// ignored: the data arrives with the regular sync at no extra cost.
func (f *Flex) HistoricalBalances(ctx context.Context, _ string, _, _ time.Time) ([]model.BalanceInfo, error) {
	report, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	return report.history, nil
}

func (f *Flex) SupportsHistory() bool          { return true }
func (f *Flex) HistoryNeedsExtraRequest() bool { return false }

// Close drops the cached report.
func (f *Flex) Close() error {
	return f.life.Close(func() error {
		f.report = nil
		return nil
	})
}

func (f *Flex) load(ctx context.Context) (*flexReport, error) {
	if err := f.life.Check(); err != nil {
		return nil, err
	}
	if f.report != nil {
		return f.report, nil
	}
	if res, _ := f.Authenticate(ctx); res.Failure != nil {
		return nil, res.Failure
	}

	ref, err := f.sendRequest(ctx)
	if err != nil {
		return nil, err
	}
	data, err := f.statement(ctx, ref)
	if err != nil {
		return nil, err
	}
	report, err := parseFlexReport(data)
	if err != nil {
		return nil, err
	}

	slog.Info("ibkr flex report loaded",
		"positions", len(report.positions),
		"history", len(report.history),
		"date", report.date.Format(time.DateOnly),
	)
	f.report = report
	return report, nil
}

type flexResponse struct {
	Status        string `xml:"Status"`
	ReferenceCode string `xml:"ReferenceCode"`
	ErrorCode     string `xml:"ErrorCode"`
	ErrorMessage  string `xml:"ErrorMessage"`
}

func (r flexResponse) err() error {
	msg := r.ErrorMessage
	if msg == "" {
		msg = "unknown error"
	}
	switch r.ErrorCode {
	case "1003", "1012", "1015":
		return model.CodedError(model.KindInvalidCredentials, r.ErrorCode, "Invalid or expired Flex token. Generate a new token in IBKR Client Portal.")
	case "1004", "1014":
		return model.CodedError(model.KindInvalidCredentials, r.ErrorCode, "Invalid Flex query id. Check that the query exists in IBKR Client Portal.")
	case "1018":
		return model.CodedError(model.KindRateLimited, r.ErrorCode, "IBKR Flex rate limit exceeded. Only a few requests per day are allowed per token.")
	default:
		return model.CodedError(model.KindProtocol, r.ErrorCode, msg)
	}
}

func (f *Flex) sendRequest(ctx context.Context) (string, error) {
	resp, err := f.client.Do(ctx, kit.Request{
		Path:  "/SendRequest",
		Query: url.Values{"t": {f.token}, "q": {f.queryID}, "v": {"3"}},
	})
	if err != nil {
		return "", err
	}
	if err := kit.CheckStatus(resp); err != nil {
		return "", err
	}

	var out flexResponse
	if err := xml.Unmarshal(resp.Body, &out); err != nil {
		return "", model.NewSyncError(model.KindProtocol, "decode flex response: %v", err)
	}
	if out.Status != "Success" {
		return "", out.err()
	}
	if out.ReferenceCode == "" {
		return "", model.NewSyncError(model.KindProtocol, "flex response has no reference code")
	}
	return out.ReferenceCode, nil
}

// statement polls GetStatement until the report is ready.
func (f *Flex) statement(ctx context.Context, ref string) ([]byte, error) {
	var body []byte
	backoff := retry.WithMaxRetries(flexAttempts-1, retry.NewConstant(f.pollInterval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := f.client.Do(ctx, kit.Request{
			Path:  "/GetStatement",
			Query: url.Values{"t": {f.token}, "q": {ref}, "v": {"3"}},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		if !resp.OK() {
			return retry.RetryableError(kit.CheckStatus(resp))
		}

		if strings.Contains(string(resp.Body), "<FlexStatementResponse") {
			var out flexResponse
			if err := xml.Unmarshal(resp.Body, &out); err != nil {
				return model.NewSyncError(model.KindProtocol, "decode flex status: %v", err)
			}
			if out.Status != "Success" {
				if out.ErrorCode != "" && out.ErrorCode != "1019" {
					return out.err()
				}
				slog.Debug("ibkr flex statement pending", "reference", ref)
				return retry.RetryableError(errStatementPending)
			}
		}
		body = resp.Body
		return nil
	})
	if errors.Is(err, errStatementPending) {
		return nil, model.NewSyncError(model.KindTransientNetwork, "timed out waiting for flex report generation")
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// xmlNode is a generic element tree; Flex query layouts are user-configured
// so sections are located by name rather than by fixed structure.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
}

func (n *xmlNode) attr(names ...string) string {
	for _, name := range names {
		for _, a := range n.Attrs {
			if a.Name.Local == name && strings.TrimSpace(a.Value) != "" {
				return strings.TrimSpace(a.Value)
			}
		}
	}
	return ""
}

func (n *xmlNode) attrMap() map[string]any {
	m := make(map[string]any, len(n.Attrs))
	for _, a := range n.Attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func (n *xmlNode) find(name string) *xmlNode {
	if n.XMLName.Local == name {
		return n
	}
	for i := range n.Children {
		if found := n.Children[i].find(name); found != nil {
			return found
		}
	}
	return nil
}

func (n *xmlNode) findAll(name string) []*xmlNode {
	var out []*xmlNode
	var walk func(*xmlNode)
	walk = func(node *xmlNode) {
		if node.XMLName.Local == name {
			out = append(out, node)
		}
		for i := range node.Children {
			walk(&node.Children[i])
		}
	}
	walk(n)
	return out
}

type flexAccount struct {
	id, name, currency string
}

type flexCash struct {
	currency string
	amount   decimal.Decimal
}

type flexReport struct {
	accounts  []flexAccount
	positions []model.PositionInfo
	cash      []flexCash
	nav       decimal.Decimal
	currency  string
	date      time.Time
	history   []model.BalanceInfo
}

func parseFlexReport(data []byte) (*flexReport, error) {
	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, model.NewSyncError(model.KindProtocol, "decode flex statement: %v", err)
	}

	stmt := root.find("FlexStatement")
	if stmt == nil {
		stmt = &root
	}

	report := &flexReport{currency: "USD", date: kit.Today()}

	if info := stmt.find("AccountInformation"); info != nil {
		acc := flexAccount{id: info.attr("accountId"), name: info.attr("name", "accountId"), currency: info.attr("currency")}
		if acc.currency == "" {
			acc.currency = "USD"
		}
		report.accounts = append(report.accounts, acc)
		report.currency = acc.currency
	}

	if d, ok := kit.ParseDate(stmt.attr("toDate", "whenGenerated")); ok {
		report.date = d
	}

	totalPositions := decimal.Zero
	for _, node := range stmt.findAll("OpenPosition") {
		pos, ok := parseFlexPosition(node)
		if !ok {
			continue
		}
		report.positions = append(report.positions, pos)
		totalPositions = totalPositions.Add(pos.MarketValue)
	}

	totalCash := decimal.Zero
	for _, node := range stmt.findAll("CashReportCurrency") {
		amount, ok := kit.Decimal(node.attr("endingCash", "endingSettledCash"))
		if !ok {
			continue
		}
		currency := node.attr("currency")
		if currency == "" {
			currency = "USD"
		}
		report.cash = append(report.cash, flexCash{currency: currency, amount: amount})
		totalCash = totalCash.Add(amount)
	}

	if nav, ok := flexNAV(stmt); ok {
		report.nav = nav
	} else {
		// Sums across currencies without conversion.
		report.nav = totalCash.Add(totalPositions)
		slog.Warn("ibkr flex report has no NAV section, summing cash and positions")
	}

	report.history = flexHistory(stmt, report.currency)
	return report, nil
}

// flexNAV looks for a net asset value in order of reliability.
func flexNAV(stmt *xmlNode) (decimal.Decimal, bool) {
	lookups := []struct {
		section string
		attrs   []string
	}{
		{"EquitySummaryInBase", []string{"total", "totalLong", "netAssetValue", "nav", "endingValue", "value"}},
		{"NAVInBase", []string{"total", "totalLong", "netAssetValue", "nav", "endingValue", "value"}},
		{"NetAssetValueInBase", []string{"total", "totalLong", "netAssetValue", "nav", "endingValue", "value"}},
		{"NAV", []string{"total", "netAssetValue", "nav", "endingValue", "value"}},
		{"ChangeInNAV", []string{"endingValue", "ending", "total", "value"}},
	}
	for _, l := range lookups {
		node := stmt.find(l.section)
		if node == nil {
			continue
		}
		for _, attr := range l.attrs {
			if v, ok := kit.Decimal(node.attr(attr)); ok {
				return v, true
			}
		}
	}
	return decimal.Zero, false
}

func parseFlexPosition(node *xmlNode) (model.PositionInfo, bool) {
	qty, ok := kit.Decimal(node.attr("position"))
	if !ok || qty.IsZero() {
		return model.PositionInfo{}, false
	}

	value, _ := kit.Decimal(node.attr("markMarketValue", "positionValue"))
	price, _ := kit.Decimal(node.attr("markPrice", "closePrice"))
	currency := node.attr("currency")
	if currency == "" {
		currency = "USD"
	}
	category := node.attr("assetCategory")
	if category == "" {
		category = "STK"
	}

	pos := model.PositionInfo{
		Symbol:      node.attr("symbol"),
		Name:        node.attr("description", "symbol"),
		ISIN:        node.attr("isin"),
		Quantity:    qty.Abs(),
		Price:       price,
		MarketValue: value.Abs(),
		Currency:    currency,
		AssetClass:  kit.AssetClassFor(category),
		Raw:         node.attrMap(),
	}
	if cost, ok := kit.Decimal(node.attr("costBasisMoney")); ok {
		cost = cost.Abs()
		pos.CostBasis = &cost
	}
	return pos, true
}

// flexHistory extracts daily values, preferring EquitySummaryByReportDateInBase,
// then ChangeInNAV, then MTMPerformanceSummaryInBase. One entry per date.
func flexHistory(stmt *xmlNode, currency string) []model.BalanceInfo {
	sources := []struct {
		section   string
		dateAttrs []string
		valAttrs  []string
		ownCcy    bool
	}{
		{"EquitySummaryByReportDateInBase", []string{"reportDate"}, []string{"total"}, true},
		{"ChangeInNAV", []string{"reportDate", "toDate"}, []string{"endingValue", "ending"}, false},
		{"MTMPerformanceSummaryInBase", []string{"reportDate"}, []string{"mtmYTD", "totalEndingValue"}, false},
	}

	for _, src := range sources {
		byDate := make(map[time.Time]model.BalanceInfo)
		for _, node := range stmt.findAll(src.section) {
			d, ok := kit.ParseDate(node.attr(src.dateAttrs...))
			if !ok {
				continue
			}
			v, ok := kit.Decimal(node.attr(src.valAttrs...))
			if !ok {
				continue
			}
			ccy := currency
			if src.ownCcy && node.attr("currency") != "" {
				ccy = node.attr("currency")
			}
			if _, seen := byDate[d]; !seen {
				byDate[d] = model.BalanceInfo{Balance: v, Currency: ccy, AsOf: d}
			}
		}
		if len(byDate) == 0 {
			continue
		}

		out := make([]model.BalanceInfo, 0, len(byDate))
		for _, b := range byDate {
			out = append(out, b)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].AsOf.Before(out[j].AsOf) })
		return out
	}
	return nil
}
