package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// DefaultSessionTTL is how long a parked authentication may wait for an answer.
const DefaultSessionTTL = 10 * time.Minute

// Rebuilder recreates the integration of a session whose live instance was
// not kept by the store. It returns model.ErrSessionExpired when the session
// cannot be rebuilt, for example when its credentials were never persisted.
type Rebuilder func(ctx context.Context, session model.SyncSession) (driven.Integration, error)

// SessionManager parks in-flight authentications between requests. All
// operations on one token are serialized.
type SessionManager struct {
	store   driven.SessionStore
	ttl     time.Duration
	now     func() time.Time
	locks   *keyedMutex
	metrics *Metrics
}

// NewSessionManager creates a SessionManager over store.
func NewSessionManager(store driven.SessionStore, ttl time.Duration, metrics *Metrics) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{store: store, ttl: ttl, now: time.Now, locks: newKeyedMutex(), metrics: metrics}
}

// SetClock replaces the time source.
func (m *SessionManager) SetClock(now func() time.Time) {
	m.now = now
}

// TTL returns the session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Open parks an integration waiting for a challenge answer and returns the
// session with its new token. The manager owns the integration from here on.
// When the store cannot keep live objects, the integration state is captured
// with Suspend and the instance is closed.
func (m *SessionManager) Open(ctx context.Context, session model.SyncSession, integration driven.Integration) (model.SyncSession, error) {
	session.Token = uuid.NewString()
	session.CreatedAt = m.now()
	if session.State == "" {
		session.State = model.AuthStateChallengeIssued
	}
	suspend(integration, &session)

	stored := &driven.Session{SyncSession: session, Integration: integration}
	if err := m.store.Put(ctx, stored); err != nil {
		closeIntegration(integration, session.Token)
		return model.SyncSession{}, fmt.Errorf("park session: %w", err)
	}

	if got, err := m.store.Get(ctx, session.Token); err == nil && got.Integration == nil {
		detach(integration, session.Token)
	}

	m.metrics.sessionOpened()
	m.Sweep(ctx)
	return session, nil
}

// Lease is exclusive access to a parked session. Callers must Release it.
type Lease struct {
	*driven.Session

	m        *SessionManager
	unlock   func()
	rebuilt  bool
	finished bool
}

// Acquire locks the session for token. Unknown and expired tokens yield
// model.ErrSessionExpired. A session without a live integration is rebuilt
// and resumed when rebuild is non-nil.
func (m *SessionManager) Acquire(ctx context.Context, token string, rebuild Rebuilder) (*Lease, error) {
	unlock := m.locks.Lock(token)

	session, err := m.store.Get(ctx, token)
	if errors.Is(err, driven.ErrSessionNotFound) {
		unlock()
		return nil, model.NewSyncError(model.KindSessionExpired, "session is unknown or expired; start again")
	}
	if err != nil {
		unlock()
		return nil, fmt.Errorf("load session: %w", err)
	}

	if session.Expired(m.now(), m.ttl) {
		m.discard(ctx, token)
		unlock()
		return nil, model.NewSyncError(model.KindSessionExpired, "session expired; start again")
	}

	lease := &Lease{Session: session, m: m, unlock: unlock}
	if session.Integration != nil {
		return lease, nil
	}

	if rebuild == nil {
		m.discard(ctx, token)
		unlock()
		return nil, model.NewSyncError(model.KindSessionExpired, "session can no longer be resumed; start again")
	}
	integration, err := rebuild(ctx, session.SyncSession)
	if err != nil {
		unlock()
		return nil, err
	}
	if s, ok := integration.(driven.Suspender); ok && len(session.Suspended) > 0 {
		if err := s.Resume(ctx, session.Suspended); err != nil {
			closeIntegration(integration, token)
			unlock()
			return nil, fmt.Errorf("resume session: %w", err)
		}
	}
	lease.Integration = integration
	lease.rebuilt = true
	return lease, nil
}

// Save stores the session's updated state, for example a new challenge.
// A finished session stays removed.
func (l *Lease) Save(ctx context.Context) error {
	if l.finished {
		return nil
	}
	suspend(l.Integration, &l.SyncSession)
	if err := l.m.store.Put(ctx, l.Session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Finish removes the session. The integration then belongs to the caller,
// who must close it.
func (l *Lease) Finish(ctx context.Context) error {
	l.finished = true
	if _, err := l.m.store.Delete(ctx, l.Token); err != nil && !errors.Is(err, driven.ErrSessionNotFound) {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// Abandon removes the session and closes its integration.
func (l *Lease) Abandon(ctx context.Context) {
	if err := l.Finish(ctx); err != nil {
		slog.Warn("abandon session", "token", l.Token, "error", err)
	}
	closeIntegration(l.Integration, l.Token)
}

// Release unlocks the session. An integration rebuilt for this lease is
// suspended into the store and detached, since the store does not keep it.
func (l *Lease) Release() {
	defer l.unlock()
	if l.finished || !l.rebuilt {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Save(ctx); err != nil {
		slog.Warn("persist session state", "token", l.Token, "error", err)
	}
	detach(l.Integration, l.Token)
}

// Sweep removes sessions older than the TTL and closes their integrations.
// Each token is removed under its lock, so a session held by a lease is
// swept only after the lease ends, and only if the lease left it parked.
func (m *SessionManager) Sweep(ctx context.Context) int {
	tokens, err := m.store.ExpiredTokens(ctx, m.now().Add(-m.ttl))
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return 0
	}
	removed := 0
	for _, token := range tokens {
		if m.expire(ctx, token) {
			removed++
		}
	}
	if removed > 0 {
		m.metrics.sessionsExpired(removed)
		slog.Info("expired sessions removed", "count", removed)
	}
	return removed
}

func (m *SessionManager) expire(ctx context.Context, token string) bool {
	unlock := m.locks.Lock(token)
	defer unlock()

	session, err := m.store.Get(ctx, token)
	if err != nil || !session.Expired(m.now(), m.ttl) {
		return false
	}
	return m.discard(ctx, token)
}

// discard must be called with the token locked. It closes the integration
// only when this call removed the session.
func (m *SessionManager) discard(ctx context.Context, token string) bool {
	s, err := m.store.Delete(ctx, token)
	if err != nil {
		return false
	}
	closeIntegration(s.Integration, token)
	return true
}

func suspend(integration driven.Integration, session *model.SyncSession) {
	s, ok := integration.(driven.Suspender)
	if !ok {
		return
	}
	state, err := s.Suspend()
	if err != nil {
		slog.Warn("capture session state", "token", session.Token, "error", err)
		return
	}
	session.Suspended = state
}

// detach hands a suspended integration's remote session over to whichever
// instance resumes it. Integrations that cannot be suspended are closed.
func detach(integration driven.Integration, token string) {
	s, ok := integration.(driven.Suspender)
	if !ok {
		closeIntegration(integration, token)
		return
	}
	if err := s.Detach(); err != nil {
		slog.Warn("detach integration", "token", token, "error", err)
	}
}

func closeIntegration(integration driven.Integration, token string) {
	if integration == nil {
		return
	}
	if err := integration.Close(); err != nil {
		slog.Warn("close integration", "token", token, "error", err)
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
