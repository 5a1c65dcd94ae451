package application_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

type wealthFixture struct {
	snapshots *mockSnapshotStore
	svc       *application.WealthService
}

// newWealthFixture has user 1 (base EUR) with a EUR checking account at dkb
// and a USD brokerage account at ibkr, plus a EUR/USD rate of 1.25.
func newWealthFixture(t *testing.T, snaps ...model.Snapshot) wealthFixture {
	t.Helper()
	users := newMockUserStore(model.User{ID: 1, BaseCurrency: "EUR"}, model.User{ID: 2, BaseCurrency: "EUR"})
	accounts := newMockAccountStore(
		model.Account{ID: 1, UserID: 1, BrokerCode: "dkb", Name: "Girokonto", Type: model.AccountTypeChecking, Currency: "EUR"},
		model.Account{ID: 2, UserID: 1, BrokerCode: "ibkr", Name: "Depot", Type: model.AccountTypeBrokerage, Currency: "USD"},
		model.Account{ID: 3, UserID: 2, BrokerCode: "dkb", Name: "Other user", Currency: "EUR"},
	)
	snapshots := &mockSnapshotStore{accounts: accounts, snapshots: snaps}
	rates := &mockRateStore{rates: []model.ExchangeRate{eurRate("USD", day(2026, 1, 1), "1.25")}}
	catalog := &mockCatalog{brokers: map[string]model.Broker{
		"dkb":  {Code: "dkb", Name: "DKB"},
		"ibkr": {Code: "ibkr", Name: "Interactive Brokers"},
	}}

	svc := application.NewWealthService(users, accounts, snapshots, catalog, application.NewCurrencyConverter(rates, nil, nil))
	svc.SetClock(func() time.Time { return time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC) })
	return wealthFixture{snapshots: snapshots, svc: svc}
}

func snap(accountID int64, date time.Time, balance, currency string) model.Snapshot {
	return model.Snapshot{AccountID: accountID, Date: date, Balance: dec(balance), Currency: currency, Source: model.SnapshotSourceAuto}
}

func TestWealthService_Summary(t *testing.T) {
	f := newWealthFixture(t,
		snap(1, day(2026, 3, 1), "900", "EUR"),
		snap(1, day(2026, 3, 2), "1000", "EUR"),
		snap(2, day(2026, 3, 2), "500", "USD"),
		snap(3, day(2026, 3, 2), "123456", "EUR"),
	)

	summary, err := f.svc.Summary(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "EUR", summary.BaseCurrency)
	assert.True(t, dec("1400").Equal(summary.Total), "got %s", summary.Total)
	require.Len(t, summary.Accounts, 2)
	assert.Equal(t, "DKB", summary.Accounts[0].Broker)
	assert.True(t, dec("400").Equal(summary.Accounts[1].BaseBalance))
}

func TestWealthService_Breakdown(t *testing.T) {
	f := newWealthFixture(t,
		snap(1, day(2026, 3, 2), "1000", "EUR"),
		snap(2, day(2026, 3, 2), "500", "USD"),
	)

	entries, err := f.svc.Breakdown(context.Background(), 1, application.ByCurrency)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "EUR", entries[0].Label)
	assert.Equal(t, "71.43", entries[0].Percentage.StringFixed(2))
	assert.Equal(t, "USD", entries[1].Label)
	assert.Equal(t, "28.57", entries[1].Percentage.StringFixed(2))

	entries, err = f.svc.Breakdown(context.Background(), 1, application.ByAccountType)
	require.NoError(t, err)
	assert.Equal(t, "checking", entries[0].Label)
}

func TestWealthService_BreakdownEmpty(t *testing.T) {
	f := newWealthFixture(t)

	entries, err := f.svc.Breakdown(context.Background(), 1, application.ByBroker)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWealthService_HistoryDaily(t *testing.T) {
	f := newWealthFixture(t,
		snap(1, day(2026, 3, 1), "100", "EUR"),
		snap(2, day(2026, 3, 2), "50", "USD"),
		snap(1, day(2026, 3, 3), "200", "EUR"),
	)

	history, err := f.svc.History(context.Background(), 1, 30, application.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, day(2026, 3, 1), history.Start, "clamped to the oldest snapshot")
	assert.Equal(t, day(2026, 3, 5), history.End)

	want := []string{"100", "140", "240", "240", "240"}
	require.Len(t, history.Points, len(want))
	for i, p := range history.Points {
		assert.True(t, dec(want[i]).Equal(p.Value), "point %d: got %s want %s", i, p.Value, want[i])
	}
}

func TestWealthService_HistoryMonthly(t *testing.T) {
	f := newWealthFixture(t,
		snap(1, day(2026, 1, 2), "100", "EUR"),
		snap(1, day(2026, 2, 4), "200", "EUR"),
		snap(1, day(2026, 3, 5), "300", "EUR"),
	)

	history, err := f.svc.History(context.Background(), 1, 90, application.GranularityMonthly)
	require.NoError(t, err)
	require.Len(t, history.Points, 3)
	assert.Equal(t, day(2026, 1, 5), history.Points[0].Date)
	assert.True(t, dec("100").Equal(history.Points[0].Value))
	assert.True(t, dec("200").Equal(history.Points[1].Value))
	assert.True(t, dec("300").Equal(history.Points[2].Value))
}

func TestWealthService_HistoryInvalidInput(t *testing.T) {
	f := newWealthFixture(t)

	_, err := f.svc.History(context.Background(), 1, 0, application.GranularityDaily)
	assert.ErrorIs(t, err, application.ErrInvalidInput)

	_, err = f.svc.History(context.Background(), 1, 30, "weekly")
	assert.ErrorIs(t, err, application.ErrInvalidInput)
}

func TestWealthService_AddSnapshot(t *testing.T) {
	f := newWealthFixture(t)
	in := application.ManualSnapshot{Date: day(2026, 3, 4), Balance: dec("80")}

	s, err := f.svc.AddSnapshot(context.Background(), 1, 2, in)
	require.NoError(t, err)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, model.SnapshotSourceManual, s.Source)
	require.NotNil(t, s.BaseBalance)
	assert.True(t, dec("64").Equal(*s.BaseBalance))

	_, err = f.svc.AddSnapshot(context.Background(), 1, 2, in)
	assert.ErrorIs(t, err, application.ErrDuplicateSnapshot)

	_, err = f.svc.AddSnapshot(context.Background(), 1, 3, in)
	assert.ErrorIs(t, err, driven.ErrAccountNotFound)
}

func TestWealthService_ImportCSV(t *testing.T) {
	f := newWealthFixture(t, snap(1, day(2026, 3, 1), "100", "EUR"))
	csv := strings.Join([]string{
		"Date,Balance,Currency",
		`2026-01-01,"77,047.50",eur`,
		"2026-01-02,1'000.25,EUR",
		"2026-03-01,100,EUR",
		"01/02/2026,5,EUR",
		"2026-01-03,abc,EUR",
		"2026-01-04,5,",
	}, "\n")

	result, err := f.svc.ImportCSV(context.Background(), 1, 1, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 3, result.TotalErrors)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "row 5")

	imported, err := f.svc.Snapshots(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, imported, 3)
	assert.True(t, dec("77047.50").Equal(imported[1].Balance))
	assert.Equal(t, "EUR", imported[1].Currency)
	assert.Equal(t, model.SnapshotSourceImport, imported[1].Source)
}

func TestWealthService_ImportCSVRequiresColumns(t *testing.T) {
	f := newWealthFixture(t)

	_, err := f.svc.ImportCSV(context.Background(), 1, 1, strings.NewReader("date,amount\n2026-01-01,5\n"))
	assert.ErrorIs(t, err, application.ErrInvalidInput)
}

func TestWealthService_ImportCSVCapsErrors(t *testing.T) {
	f := newWealthFixture(t)
	rows := []string{"date,balance,currency"}
	for range 15 {
		rows = append(rows, "bad,1,EUR")
	}

	result, err := f.svc.ImportCSV(context.Background(), 1, 1, strings.NewReader(strings.Join(rows, "\n")))
	require.NoError(t, err)
	assert.Equal(t, 15, result.TotalErrors)
	assert.Len(t, result.Errors, 10)
}
