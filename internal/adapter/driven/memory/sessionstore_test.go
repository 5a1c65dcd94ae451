package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

func session(token string, created time.Time) *driven.Session {
	return &driven.Session{SyncSession: model.SyncSession{Token: token, CreatedAt: created, State: model.AuthStateChallengeIssued}}
}

func TestSessionStore_PutGetDelete(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	s := session("a", time.Now())

	require.NoError(t, store.Put(ctx, s))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, s, got)

	deleted, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, s, deleted)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, driven.ErrSessionNotFound)
	_, err = store.Delete(ctx, "a")
	assert.ErrorIs(t, err, driven.ErrSessionNotFound)
}

func TestSessionStore_ExpiredTokens(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{time.Hour, 11 * time.Minute, time.Minute} {
		require.NoError(t, store.Put(ctx, session(string(rune('a'+i)), now.Add(-age))))
	}

	tokens, err := store.ExpiredTokens(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, tokens)
	assert.Equal(t, 3, store.Len())
}

type closingIntegration struct {
	driven.Integration
	closed int
}

func (c *closingIntegration) Close() error {
	c.closed++
	return nil
}

func TestSessionStore_CloseClosesLiveIntegrations(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	live := &closingIntegration{}

	withIntegration := session("a", time.Now())
	withIntegration.Integration = live
	require.NoError(t, store.Put(ctx, withIntegration))
	require.NoError(t, store.Put(ctx, session("b", time.Now())))

	require.NoError(t, store.Close())

	assert.Equal(t, 1, live.closed)
	assert.Zero(t, store.Len())
}
