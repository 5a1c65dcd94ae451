package application_test

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

// --- Mock implementations ---

type mockUserStore struct {
	mu    sync.Mutex
	users map[int64]*model.User
}

func newMockUserStore(users ...model.User) *mockUserStore {
	m := &mockUserStore{users: make(map[int64]*model.User)}
	for _, u := range users {
		u := u
		m.users[u.ID] = &u
	}
	return m
}

func (m *mockUserStore) Create(_ context.Context, u model.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = int64(len(m.users) + 1)
	m.users[u.ID] = &u
	return u.ID, nil
}

func (m *mockUserStore) Get(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, driven.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *mockUserStore) UpdateKeyMaterial(_ context.Context, id int64, keys model.UserKeyMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return driven.ErrUserNotFound
	}
	u.Keys = keys
	return nil
}

func (m *mockUserStore) UpdatePreferences(_ context.Context, id int64, baseCurrency string, autoSync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return driven.ErrUserNotFound
	}
	u.BaseCurrency, u.AutoSyncEnabled = baseCurrency, autoSync
	return nil
}

type mockAccountStore struct {
	mu       sync.Mutex
	accounts map[int64]*model.Account
	nextID   int64
	errors   []string
}

func newMockAccountStore(accounts ...model.Account) *mockAccountStore {
	m := &mockAccountStore{accounts: make(map[int64]*model.Account)}
	for _, a := range accounts {
		a := a
		m.accounts[a.ID] = &a
		m.nextID = max(m.nextID, a.ID)
	}
	return m
}

func (m *mockAccountStore) Create(_ context.Context, a model.Account) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.accounts[a.ID] = &a
	return a.ID, nil
}

func (m *mockAccountStore) Get(_ context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *mockAccountStore) ListByUser(_ context.Context, userID int64) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Account
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockAccountStore) ListAutoSync(_ context.Context) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Account
	for _, a := range m.accounts {
		if a.SyncEnabled && a.HasCredentials() && a.Scheme == model.EncryptionSchemeLegacy {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockAccountStore) update(id int64, fn func(a *model.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return driven.ErrAccountNotFound
	}
	fn(a)
	return nil
}

func (m *mockAccountStore) UpdateCredentials(_ context.Context, id int64, blob []byte, scheme model.EncryptionScheme) error {
	return m.update(id, func(a *model.Account) { a.EncryptedCredentials, a.Scheme = blob, scheme })
}

func (m *mockAccountStore) MarkPendingAuth(_ context.Context, id int64, pending model.PendingAuth) error {
	return m.update(id, func(a *model.Account) { a.Status, a.PendingAuth = model.AccountStatusPendingAuth, &pending })
}

func (m *mockAccountStore) MarkSynced(_ context.Context, id int64, at time.Time) error {
	return m.update(id, func(a *model.Account) {
		a.Status, a.LastSyncAt, a.LastSyncError, a.PendingAuth = model.AccountStatusActive, &at, "", nil
	})
}

func (m *mockAccountStore) MarkError(_ context.Context, id int64, message string) error {
	return m.update(id, func(a *model.Account) {
		a.Status, a.LastSyncError, a.PendingAuth = model.AccountStatusError, message, nil
		m.errors = append(m.errors, message)
	})
}

func (m *mockAccountStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return driven.ErrAccountNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *mockAccountStore) account(t *testing.T, id int64) model.Account {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	require.True(t, ok, "account %d", id)
	return *a
}

type mockSnapshotStore struct {
	mu        sync.Mutex
	accounts  *mockAccountStore
	snapshots []model.Snapshot
}

func (m *mockSnapshotStore) Create(_ context.Context, s model.Snapshot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.snapshots) + 1)
	m.snapshots = append(m.snapshots, s)
	return s.ID, nil
}

func (m *mockSnapshotStore) HasDuplicate(_ context.Context, accountID int64, date time.Time, balance decimal.Decimal, currency string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.AccountID == accountID && s.Date.Equal(date) && s.Balance.Equal(balance) && s.Currency == currency {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockSnapshotStore) Dates(_ context.Context, accountID int64, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, s := range m.snapshots {
		if s.AccountID == accountID && !s.Date.Before(from) && !s.Date.After(to) && !seen[s.Date] {
			seen[s.Date] = true
			out = append(out, s.Date)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *mockSnapshotStore) ListByAccount(_ context.Context, accountID int64) ([]model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Snapshot
	for _, s := range m.snapshots {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSnapshotStore) owned(userID int64) []model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Snapshot
	for _, s := range m.snapshots {
		if a, ok := m.accounts.accounts[s.AccountID]; ok && a.UserID == userID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (m *mockSnapshotStore) ListByUser(_ context.Context, userID int64, from, to time.Time) ([]model.Snapshot, error) {
	var out []model.Snapshot
	for _, s := range m.owned(userID) {
		if !s.Date.Before(from) && !s.Date.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSnapshotStore) LatestByUser(_ context.Context, userID int64) ([]model.Snapshot, error) {
	latest := make(map[int64]model.Snapshot)
	for _, s := range m.owned(userID) {
		latest[s.AccountID] = s
	}
	out := make([]model.Snapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

type mockRateStore struct {
	mu    sync.Mutex
	rates []model.ExchangeRate
}

func (m *mockRateStore) Upsert(_ context.Context, r model.ExchangeRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = append(m.rates, r)
	return nil
}

func (m *mockRateStore) Exact(_ context.Context, from, to string, date time.Time) (*model.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rates) - 1; i >= 0; i-- {
		r := m.rates[i]
		if r.From == from && r.To == to && r.Date.Equal(date) {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockRateStore) LatestOnOrBefore(_ context.Context, from, to string, date time.Time) (*model.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.ExchangeRate
	for _, r := range m.rates {
		if r.From == from && r.To == to && !r.Date.After(date) && (best == nil || r.Date.After(best.Date)) {
			r := r
			best = &r
		}
	}
	return best, nil
}

type mockRateSource struct {
	calls atomic.Int32
	fetch func(ctx context.Context, date time.Time, base string, symbols []string) ([]model.ExchangeRate, error)
}

func (m *mockRateSource) Fetch(ctx context.Context, date time.Time, base string, symbols []string) ([]model.ExchangeRate, error) {
	m.calls.Add(1)
	return m.fetch(ctx, date, base, symbols)
}

type mockCatalog struct {
	brokers map[string]model.Broker
}

func (m *mockCatalog) Get(code string) (model.Broker, error) {
	b, ok := m.brokers[code]
	if !ok {
		return model.Broker{}, driven.ErrBrokerNotFound
	}
	return b, nil
}

func (m *mockCatalog) List() []model.Broker {
	out := make([]model.Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		out = append(out, b)
	}
	return out
}

type mockFactory struct {
	mu    sync.Mutex
	build func(b model.Broker, creds model.Credentials) (driven.Integration, error)
	seen  []model.Credentials
}

func (m *mockFactory) New(b model.Broker, creds model.Credentials) (driven.Integration, error) {
	m.mu.Lock()
	m.seen = append(m.seen, creds)
	m.mu.Unlock()
	return m.build(b, creds)
}

// fakeIntegration is a scripted driven.Integration.
type fakeIntegration struct {
	authenticate func(ctx context.Context) (model.AuthResult, error)
	complete     func(ctx context.Context, code string, cont model.Continuation) (model.AuthResult, error)

	accounts    []model.AccountInfo
	balance     model.BalanceInfo
	balanceErr  error
	positions   []model.PositionInfo
	history     []model.BalanceInfo
	withHistory bool
	needsExtra  bool

	mu          sync.Mutex
	completions []string
	windows     []model.BackfillWindow
	closes      atomic.Int32
}

func (f *fakeIntegration) Authenticate(ctx context.Context) (model.AuthResult, error) {
	if f.authenticate == nil {
		return model.Authenticated(), nil
	}
	return f.authenticate(ctx)
}

func (f *fakeIntegration) CompleteChallenge(ctx context.Context, code string, cont model.Continuation) (model.AuthResult, error) {
	f.mu.Lock()
	f.completions = append(f.completions, code)
	f.mu.Unlock()
	return f.complete(ctx, code, cont)
}

func (f *fakeIntegration) Accounts(context.Context) ([]model.AccountInfo, error) {
	return f.accounts, nil
}

func (f *fakeIntegration) Balance(context.Context, string) (model.BalanceInfo, error) {
	return f.balance, f.balanceErr
}

func (f *fakeIntegration) Positions(context.Context, string) ([]model.PositionInfo, error) {
	return f.positions, nil
}

func (f *fakeIntegration) HistoricalBalances(_ context.Context, _ string, start, end time.Time) ([]model.BalanceInfo, error) {
	f.mu.Lock()
	f.windows = append(f.windows, model.BackfillWindow{Start: start, End: end})
	f.mu.Unlock()
	return f.history, nil
}

func (f *fakeIntegration) SupportsHistory() bool          { return f.withHistory }
func (f *fakeIntegration) HistoryNeedsExtraRequest() bool { return f.needsExtra }

func (f *fakeIntegration) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeIntegration) completionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completions)
}

// suspendingIntegration adds pause and resume to fakeIntegration.
type suspendingIntegration struct {
	*fakeIntegration
	resumed  model.Continuation
	detaches atomic.Int32
}

func (s *suspendingIntegration) Suspend() (model.Continuation, error) {
	return model.Continuation{"dialog_id": "D-1"}, nil
}

func (s *suspendingIntegration) Resume(_ context.Context, state model.Continuation) error {
	s.resumed = state
	return nil
}

func (s *suspendingIntegration) Detach() error {
	s.detaches.Add(1)
	return nil
}

// --- Helpers ---

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, vault.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

func decoupledChallenge() model.Challenge {
	return model.Challenge{Kind: model.ChallengeDecoupled, Prompt: "Approve in your banking app", Continuation: model.Continuation{"task_reference": "T-1"}}
}

// counterTotal sums every series of the named counter.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
