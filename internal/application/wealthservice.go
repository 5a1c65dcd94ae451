package application

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// maxReportedImportErrors caps the row errors returned by ImportCSV.
const maxReportedImportErrors = 10

// Granularity selects the spacing of history points.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
)

// BreakdownDimension selects how a breakdown groups accounts.
type BreakdownDimension string

const (
	ByBroker      BreakdownDimension = "broker"
	ByCurrency    BreakdownDimension = "currency"
	ByAccountType BreakdownDimension = "account_type"
	ByAccount     BreakdownDimension = "account"
)

// AccountHolding is an account's latest balance in its own and the base currency.
type AccountHolding struct {
	AccountID   int64
	Name        string
	Broker      string
	Type        model.AccountType
	Balance     decimal.Decimal
	Currency    string
	BaseBalance decimal.Decimal
	Date        time.Time
}

// WealthSummary is the current total across all accounts.
type WealthSummary struct {
	BaseCurrency string
	Total        decimal.Decimal
	Accounts     []AccountHolding
}

// WealthHistory is a total wealth timeline.
type WealthHistory struct {
	BaseCurrency string
	Start        time.Time
	End          time.Time
	Granularity  Granularity
	Points       []model.TimelinePoint
}

// ImportResult summarizes a CSV import.
type ImportResult struct {
	Imported    int
	Skipped     int
	Errors      []string
	TotalErrors int
}

// WealthService answers questions about recorded balances and accepts
// snapshots entered by hand.
type WealthService struct {
	users     driven.UserStore
	accounts  driven.AccountStore
	snapshots driven.SnapshotStore
	catalog   driven.BrokerCatalog
	converter *CurrencyConverter
	recorder  snapshotRecorder
	now       func() time.Time
}

// NewWealthService creates a WealthService.
func NewWealthService(
	users driven.UserStore,
	accounts driven.AccountStore,
	snapshots driven.SnapshotStore,
	catalog driven.BrokerCatalog,
	converter *CurrencyConverter,
) *WealthService {
	return &WealthService{
		users:     users,
		accounts:  accounts,
		snapshots: snapshots,
		catalog:   catalog,
		converter: converter,
		recorder:  snapshotRecorder{snapshots: snapshots, converter: converter},
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *WealthService) SetClock(now func() time.Time) {
	s.now = now
}

// Summary returns each account's latest balance and their base-currency total.
func (s *WealthService) Summary(ctx context.Context, userID int64) (WealthSummary, error) {
	user, holdings, err := s.holdings(ctx, userID)
	if err != nil {
		return WealthSummary{}, err
	}

	summary := WealthSummary{BaseCurrency: user.BaseCurrency, Total: decimal.Zero, Accounts: holdings}
	for _, h := range holdings {
		summary.Total = summary.Total.Add(h.BaseBalance)
	}
	return summary, nil
}

// Breakdown groups the latest balances by dimension, largest first.
func (s *WealthService) Breakdown(ctx context.Context, userID int64, by BreakdownDimension) ([]model.BreakdownEntry, error) {
	_, holdings, err := s.holdings(ctx, userID)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]decimal.Decimal)
	grand := decimal.Zero
	for _, h := range holdings {
		var label string
		switch by {
		case ByBroker:
			label = h.Broker
		case ByCurrency:
			label = h.Currency
		case ByAccountType:
			label = string(h.Type)
		default:
			label = h.Name
		}
		totals[label] = totals[label].Add(h.BaseBalance)
		grand = grand.Add(h.BaseBalance)
	}

	entries := make([]model.BreakdownEntry, 0, len(totals))
	for label, v := range totals {
		pct := decimal.Zero
		if !grand.IsZero() {
			pct = v.Div(grand).Mul(decimal.NewFromInt(100)).Round(2)
		}
		entries = append(entries, model.BreakdownEntry{Label: label, Value: v, Percentage: pct})
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].Value.Cmp(entries[j].Value); c != 0 {
			return c > 0
		}
		return entries[i].Label < entries[j].Label
	})
	return entries, nil
}

func (s *WealthService) holdings(ctx context.Context, userID int64) (*model.User, []AccountHolding, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts for user %d: %w", userID, err)
	}
	latest, err := s.snapshots.LatestByUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("latest snapshots for user %d: %w", userID, err)
	}

	byID := make(map[int64]model.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	holdings := make([]AccountHolding, 0, len(latest))
	for _, snap := range latest {
		a, ok := byID[snap.AccountID]
		if !ok {
			continue
		}
		base, err := s.baseValue(ctx, snap, user.BaseCurrency)
		if err != nil {
			return nil, nil, err
		}
		holdings = append(holdings, AccountHolding{
			AccountID:   a.ID,
			Name:        a.Name,
			Broker:      s.brokerName(a.BrokerCode),
			Type:        a.Type,
			Balance:     snap.Balance,
			Currency:    snap.Currency,
			BaseBalance: base,
			Date:        snap.Date,
		})
	}
	return user, holdings, nil
}

// baseValue prefers the amount converted at record time and falls back to
// a fresh lookup. Amounts without any known rate count as zero.
func (s *WealthService) baseValue(ctx context.Context, snap model.Snapshot, baseCurrency string) (decimal.Decimal, error) {
	if snap.BaseBalance != nil && strings.EqualFold(snap.BaseCurrency, baseCurrency) {
		return *snap.BaseBalance, nil
	}
	if strings.EqualFold(snap.Currency, baseCurrency) {
		return snap.Balance, nil
	}
	rate, err := s.converter.Rate(ctx, snap.Currency, baseCurrency, snap.Date)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate %s/%s: %w", snap.Currency, baseCurrency, err)
	}
	if rate == nil {
		return decimal.Zero, nil
	}
	return snap.Balance.Mul(*rate).Round(2), nil
}

func (s *WealthService) brokerName(code string) string {
	b, err := s.catalog.Get(code)
	if err != nil {
		return code
	}
	return b.Name
}

// History returns the total wealth over the last days days. The range
// starts no earlier than the user's oldest snapshot. Monthly points use
// today's day of month as the reference day.
func (s *WealthService) History(ctx context.Context, userID int64, days int, granularity Granularity) (WealthHistory, error) {
	if days <= 0 {
		return WealthHistory{}, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	if granularity == "" {
		granularity = GranularityDaily
	}
	if granularity != GranularityDaily && granularity != GranularityMonthly {
		return WealthHistory{}, fmt.Errorf("%w: unknown granularity %q", ErrInvalidInput, granularity)
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return WealthHistory{}, fmt.Errorf("get user %d: %w", userID, err)
	}

	end := model.DateOnly(s.now())
	start := end.AddDate(0, 0, -days)

	// Snapshots before start are needed to carry balances forward.
	snaps, err := s.snapshots.ListByUser(ctx, userID, time.Time{}, end)
	if err != nil {
		return WealthHistory{}, fmt.Errorf("list snapshots for user %d: %w", userID, err)
	}
	history := WealthHistory{BaseCurrency: user.BaseCurrency, Start: start, End: end, Granularity: granularity}
	if len(snaps) == 0 {
		return history, nil
	}
	if oldest := model.DateOnly(snaps[0].Date); oldest.After(start) {
		history.Start = oldest
	}

	values := make([]AccountValue, 0, len(snaps))
	for _, snap := range snaps {
		v, err := s.baseValue(ctx, snap, user.BaseCurrency)
		if err != nil {
			return WealthHistory{}, err
		}
		values = append(values, AccountValue{AccountID: snap.AccountID, Date: snap.Date, Value: v})
	}

	history.Points = DailyTimeline(values, history.Start, end)
	if granularity == GranularityMonthly {
		history.Points = MonthlyTimeline(history.Points, end.Day())
	}
	return history, nil
}

// Snapshots lists an account's snapshots.
func (s *WealthService) Snapshots(ctx context.Context, userID, accountID int64) ([]model.Snapshot, error) {
	if _, err := ownedAccount(ctx, s.accounts, userID, accountID); err != nil {
		return nil, err
	}
	return s.snapshots.ListByAccount(ctx, accountID)
}

// ManualSnapshot is a balance entered by hand.
type ManualSnapshot struct {
	Date     time.Time
	Balance  decimal.Decimal
	Currency string
}

// AddSnapshot records a manual balance. An identical snapshot yields
// ErrDuplicateSnapshot.
func (s *WealthService) AddSnapshot(ctx context.Context, userID, accountID int64, in ManualSnapshot) (model.Snapshot, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	account, err := ownedAccount(ctx, s.accounts, userID, accountID)
	if err != nil {
		return model.Snapshot{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = account.Currency
	}
	date := in.Date
	if date.IsZero() {
		date = s.now()
	}
	return s.recorder.record(ctx, model.Snapshot{
		AccountID: accountID,
		Date:      date,
		Balance:   in.Balance,
		Currency:  currency,
		Source:    model.SnapshotSourceManual,
	}, user.BaseCurrency)
}

// ImportCSV records snapshots from CSV with a header containing date,
// balance and currency columns. Rows for dates that already have a snapshot
// are skipped; malformed rows are reported and skipped.
func (s *WealthService) ImportCSV(ctx context.Context, userID, accountID int64, r io.Reader) (ImportResult, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return ImportResult{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	if _, err := ownedAccount(ctx, s.accounts, userID, accountID); err != nil {
		return ImportResult{}, err
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: read csv header: %v", ErrInvalidInput, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range []string{"date", "balance", "currency"} {
		if _, ok := cols[want]; !ok {
			return ImportResult{}, fmt.Errorf("%w: csv must have columns date, balance, currency", ErrInvalidInput)
		}
	}

	existing, err := s.snapshots.Dates(ctx, accountID, time.Time{}, model.DateOnly(s.now()).AddDate(1, 0, 0))
	if err != nil {
		return ImportResult{}, fmt.Errorf("load snapshot dates: %w", err)
	}
	covered := make(map[time.Time]struct{}, len(existing))
	for _, d := range existing {
		covered[model.DateOnly(d)] = struct{}{}
	}

	var result ImportResult
	rowErr := func(row int, format string, args ...any) {
		result.TotalErrors++
		if len(result.Errors) < maxReportedImportErrors {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: ", row)+fmt.Sprintf(format, args...))
		}
	}

	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rowErr(row, "%v", err)
			continue
		}
		field := func(name string) string {
			if i := cols[name]; i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}

		date, err := time.Parse(time.DateOnly, field("date"))
		if err != nil {
			rowErr(row, "invalid date %q", field("date"))
			continue
		}
		balance, err := parseImportAmount(field("balance"))
		if err != nil {
			rowErr(row, "invalid balance %q", field("balance"))
			continue
		}
		currency := strings.ToUpper(field("currency"))
		if currency == "" {
			rowErr(row, "currency is required")
			continue
		}

		if _, ok := covered[date]; ok {
			result.Skipped++
			continue
		}
		_, err = s.recorder.record(ctx, model.Snapshot{
			AccountID: accountID,
			Date:      date,
			Balance:   balance,
			Currency:  currency,
			Source:    model.SnapshotSourceImport,
		}, user.BaseCurrency)
		if err != nil {
			rowErr(row, "%v", err)
			continue
		}
		covered[date] = struct{}{}
		result.Imported++
	}
	return result, nil
}

// parseImportAmount accepts thousands separators written as commas or
// apostrophes, as in 77,047.50 or 77'047.50.
func parseImportAmount(s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(",", "", "'", "", " ", "").Replace(s)
	return decimal.NewFromString(s)
}
