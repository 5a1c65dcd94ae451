package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// mockSessionStore keeps sessions in a map. A durable store drops the live
// integration the way a database-backed one does.
type mockSessionStore struct {
	mu       sync.Mutex
	durable  bool
	sessions map[string]driven.Session
	puts     int
	listed   int
}

func newMockSessionStore(durable bool) *mockSessionStore {
	return &mockSessionStore{durable: durable, sessions: make(map[string]driven.Session)}
}

func (m *mockSessionStore) Put(_ context.Context, s *driven.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *s
	if m.durable {
		stored.Integration = nil
	}
	m.sessions[s.Token] = stored
	m.puts++
	return nil
}

func (m *mockSessionStore) Get(_ context.Context, token string) (*driven.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, driven.ErrSessionNotFound
	}
	return &s, nil
}

func (m *mockSessionStore) Delete(_ context.Context, token string) (*driven.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, driven.ErrSessionNotFound
	}
	delete(m.sessions, token)
	return &s, nil
}

func (m *mockSessionStore) ExpiredTokens(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listed++
	var out []string
	for token, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			out = append(out, token)
		}
	}
	return out, nil
}

func (m *mockSessionStore) listCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listed
}

func (m *mockSessionStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSessionManager(store driven.SessionStore, clock *fakeClock) *application.SessionManager {
	m := application.NewSessionManager(store, 10*time.Minute, nil)
	m.SetClock(clock.Now)
	return m
}

func syncSession() model.SyncSession {
	c := model.Challenge{Kind: model.ChallengeTAN, Prompt: "Enter TAN"}
	return model.SyncSession{UserID: 1, AccountID: 2, BrokerCode: "dkb", Purpose: model.SessionPurposeSync, Challenge: &c}
}

func TestSessionManager_OpenAndAcquire(t *testing.T) {
	store := newMockSessionStore(false)
	m := newTestSessionManager(store, newFakeClock(day(2026, 3, 1)))
	integ := &fakeIntegration{}

	session, err := m.Open(context.Background(), syncSession(), integ)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, model.AuthStateChallengeIssued, session.State)
	assert.Zero(t, integ.closes.Load())

	lease, err := m.Acquire(context.Background(), session.Token, nil)
	require.NoError(t, err)
	assert.Same(t, integ, lease.Integration)
	assert.Equal(t, int64(2), lease.AccountID)

	require.NoError(t, lease.Finish(context.Background()))
	lease.Release()
	assert.Zero(t, integ.closes.Load(), "finished integration belongs to the caller")

	_, err = m.Acquire(context.Background(), session.Token, nil)
	assert.Equal(t, model.KindSessionExpired, model.KindOf(err))
}

func TestSessionManager_UnknownToken(t *testing.T) {
	m := newTestSessionManager(newMockSessionStore(false), newFakeClock(day(2026, 3, 1)))

	_, err := m.Acquire(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, model.ErrSessionExpired)
}

func TestSessionManager_AcquireExpired(t *testing.T) {
	store := newMockSessionStore(false)
	clock := newFakeClock(day(2026, 3, 1))
	m := newTestSessionManager(store, clock)
	integ := &fakeIntegration{}

	session, err := m.Open(context.Background(), syncSession(), integ)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = m.Acquire(context.Background(), session.Token, nil)
	assert.Equal(t, model.KindSessionExpired, model.KindOf(err))
	assert.Equal(t, int32(1), integ.closes.Load())
	assert.Zero(t, store.len())
}

func TestSessionManager_AbandonCloses(t *testing.T) {
	store := newMockSessionStore(false)
	m := newTestSessionManager(store, newFakeClock(day(2026, 3, 1)))
	integ := &fakeIntegration{}

	session, err := m.Open(context.Background(), syncSession(), integ)
	require.NoError(t, err)

	lease, err := m.Acquire(context.Background(), session.Token, nil)
	require.NoError(t, err)
	lease.Abandon(context.Background())
	lease.Release()

	assert.Equal(t, int32(1), integ.closes.Load())
	assert.Zero(t, store.len())
}

func TestSessionManager_SweepClosesEachSessionOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := newMockSessionStore(false)
	clock := newFakeClock(day(2026, 3, 1))
	m := application.NewSessionManager(store, 10*time.Minute, application.NewMetrics(reg))
	m.SetClock(clock.Now)

	integrations := make([]*fakeIntegration, 5)
	for i := range integrations {
		integrations[i] = &fakeIntegration{}
		_, err := m.Open(context.Background(), syncSession(), integrations[i])
		require.NoError(t, err)
	}

	clock.Advance(11 * time.Minute)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		swept int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := m.Sweep(context.Background())
			mu.Lock()
			swept += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, swept)
	for _, integ := range integrations {
		assert.Equal(t, int32(1), integ.closes.Load())
	}
	assert.Equal(t, 5.0, counterTotal(t, reg, "wealthpanel_sessions_expired_total"))
}

func TestSessionManager_SweepKeepsFreshSessions(t *testing.T) {
	store := newMockSessionStore(false)
	clock := newFakeClock(day(2026, 3, 1))
	m := newTestSessionManager(store, clock)

	_, err := m.Open(context.Background(), syncSession(), &fakeIntegration{})
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	assert.Zero(t, m.Sweep(context.Background()))
	assert.Equal(t, 1, store.len())
}

func TestSessionManager_DurableStoreRebuildsAndResumes(t *testing.T) {
	store := newMockSessionStore(true)
	m := newTestSessionManager(store, newFakeClock(day(2026, 3, 1)))
	original := &suspendingIntegration{fakeIntegration: &fakeIntegration{}}

	session, err := m.Open(context.Background(), syncSession(), original)
	require.NoError(t, err)
	assert.Equal(t, int32(1), original.detaches.Load(), "store cannot keep it")
	assert.Zero(t, original.closes.Load(), "the bank session stays open for the resuming instance")
	assert.Equal(t, model.Continuation{"dialog_id": "D-1"}, session.Suspended)

	rebuilt := &suspendingIntegration{fakeIntegration: &fakeIntegration{}}
	var seen model.SyncSession
	lease, err := m.Acquire(context.Background(), session.Token, func(_ context.Context, s model.SyncSession) (driven.Integration, error) {
		seen = s
		return rebuilt, nil
	})
	require.NoError(t, err)
	assert.Equal(t, session.Token, seen.Token)
	assert.Equal(t, model.Continuation{"dialog_id": "D-1"}, rebuilt.resumed)

	puts := store.puts
	lease.Release()
	assert.Equal(t, int32(1), rebuilt.detaches.Load())
	assert.Zero(t, rebuilt.closes.Load())
	assert.Equal(t, puts+1, store.puts, "state saved on release")
	assert.Equal(t, 1, store.len())
}

func TestSessionManager_DurableStoreWithoutRebuilder(t *testing.T) {
	store := newMockSessionStore(true)
	m := newTestSessionManager(store, newFakeClock(day(2026, 3, 1)))

	session, err := m.Open(context.Background(), syncSession(), &fakeIntegration{})
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), session.Token, nil)
	assert.Equal(t, model.KindSessionExpired, model.KindOf(err))
	assert.Zero(t, store.len())
}

func TestSessionManager_AcquireSerializesPerToken(t *testing.T) {
	m := newTestSessionManager(newMockSessionStore(false), newFakeClock(day(2026, 3, 1)))
	session, err := m.Open(context.Background(), syncSession(), &fakeIntegration{})
	require.NoError(t, err)

	first, err := m.Acquire(context.Background(), session.Token, nil)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := m.Acquire(context.Background(), session.Token, nil)
		if err == nil {
			second.Release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire did not wait for the first lease")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded")
	}
}

// sweepDuringLease starts a sweep while lease is held and returns a channel
// with the sweep's count once it finishes.
func sweepDuringLease(t *testing.T, m *application.SessionManager, store *mockSessionStore) <-chan int {
	t.Helper()
	listed := store.listCount()
	done := make(chan int, 1)
	go func() { done <- m.Sweep(context.Background()) }()
	require.Eventually(t, func() bool { return store.listCount() > listed }, time.Second, time.Millisecond)
	return done
}

func TestSessionManager_SweepSkipsSessionFinishedByLease(t *testing.T) {
	store := newMockSessionStore(false)
	clock := newFakeClock(day(2026, 3, 1))
	m := newTestSessionManager(store, clock)
	ctx := context.Background()
	integ := &fakeIntegration{}

	session, err := m.Open(ctx, syncSession(), integ)
	require.NoError(t, err)
	lease, err := m.Acquire(ctx, session.Token, nil)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	done := sweepDuringLease(t, m, store)

	require.NoError(t, lease.Finish(ctx))
	require.NoError(t, lease.Integration.Close())
	lease.Release()

	assert.Zero(t, <-done)
	assert.Equal(t, int32(1), integ.closes.Load())
}

func TestSessionManager_SweepClosesSavedSessionOnce(t *testing.T) {
	store := newMockSessionStore(false)
	clock := newFakeClock(day(2026, 3, 1))
	m := newTestSessionManager(store, clock)
	ctx := context.Background()
	integ := &fakeIntegration{}

	session, err := m.Open(ctx, syncSession(), integ)
	require.NoError(t, err)
	lease, err := m.Acquire(ctx, session.Token, nil)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	done := sweepDuringLease(t, m, store)

	require.NoError(t, lease.Save(ctx))
	lease.Release()

	assert.Equal(t, 1, <-done)
	assert.Equal(t, int32(1), integ.closes.Load())

	_, err = m.Acquire(ctx, session.Token, nil)
	assert.Equal(t, model.KindSessionExpired, model.KindOf(err))
	assert.Equal(t, int32(1), integ.closes.Load())
}

func TestLease_SaveAfterFinishKeepsSessionRemoved(t *testing.T) {
	store := newMockSessionStore(false)
	m := newTestSessionManager(store, newFakeClock(day(2026, 3, 1)))
	ctx := context.Background()

	session, err := m.Open(ctx, syncSession(), &fakeIntegration{})
	require.NoError(t, err)
	lease, err := m.Acquire(ctx, session.Token, nil)
	require.NoError(t, err)

	require.NoError(t, lease.Finish(ctx))
	require.NoError(t, lease.Save(ctx))
	lease.Release()

	assert.Zero(t, store.len())
}
