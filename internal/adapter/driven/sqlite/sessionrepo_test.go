package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

func newTestSession(token string, createdAt time.Time) *driven.Session {
	return &driven.Session{SyncSession: model.SyncSession{
		Token:      token,
		UserID:     1,
		AccountID:  7,
		BrokerCode: "dkb",
		Purpose:    model.SessionPurposeSync,
		State:      model.AuthStateChallengeIssued,
		Challenge:  &model.Challenge{Kind: model.ChallengeDecoupled, Prompt: "Approve in app"},
		Suspended:  model.Continuation{"dialog_id": "D1", "task_reference": "T9"},
		CreatedAt:  createdAt,
	}}
}

func TestSessionRepo_PutGetDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepo(db)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)

	require.NoError(t, repo.Put(ctx, newTestSession("tok-1", created)))

	got, err := repo.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, got.Integration)
	assert.Equal(t, model.AuthStateChallengeIssued, got.State)
	require.NotNil(t, got.Challenge)
	assert.Equal(t, model.ChallengeDecoupled, got.Challenge.Kind)
	assert.Equal(t, "D1", got.Suspended["dialog_id"])
	assert.True(t, created.Equal(got.CreatedAt))

	removed, err := repo.Delete(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", removed.Token)

	_, err = repo.Get(ctx, "tok-1")
	assert.ErrorIs(t, err, driven.ErrSessionNotFound)

	_, err = repo.Delete(ctx, "tok-1")
	assert.ErrorIs(t, err, driven.ErrSessionNotFound)
}

func TestSessionRepo_ExpiredTokens(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, newTestSession("old", now.Add(-11*time.Minute))))
	require.NoError(t, repo.Put(ctx, newTestSession("older", now.Add(-time.Hour))))
	require.NoError(t, repo.Put(ctx, newTestSession("fresh", now.Add(-time.Minute))))

	tokens, err := repo.ExpiredTokens(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"older", "old"}, tokens)

	// Listing does not remove.
	_, err = repo.Get(ctx, "old")
	assert.NoError(t, err)
}
