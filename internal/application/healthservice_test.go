package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// --- combinedStatus tests (table-driven) ---

func TestCombinedStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []model.AccountStatus
		want     HealthStatus
	}{
		{
			name:     "all active",
			statuses: []model.AccountStatus{model.AccountStatusActive, model.AccountStatusActive},
			want:     HealthOK,
		},
		{
			name:     "one waiting for a challenge",
			statuses: []model.AccountStatus{model.AccountStatusActive, model.AccountStatusPendingAuth},
			want:     HealthPendingAuth,
		},
		{
			name:     "error takes precedence over pending",
			statuses: []model.AccountStatus{model.AccountStatusError, model.AccountStatusPendingAuth},
			want:     HealthError,
		},
		{
			name:     "only inactive accounts",
			statuses: []model.AccountStatus{model.AccountStatusInactive},
			want:     HealthUnknown,
		},
		{
			name: "no accounts",
			want: HealthUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := make([]model.Account, len(tt.statuses))
			for i, s := range tt.statuses {
				accounts[i].Status = s
			}
			assert.Equal(t, tt.want, combinedStatus(accounts))
		})
	}
}

// --- classifyFreshness tests (table-driven) ---

func TestClassifyFreshness(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	tests := []struct {
		name     string
		lastSync *time.Time
		want     Freshness
	}{
		{name: "never synced", lastSync: nil, want: FreshnessNever},
		{name: "zero time", lastSync: &time.Time{}, want: FreshnessNever},
		{name: "this morning", lastSync: ago(6 * time.Hour), want: FreshnessFresh},
		{name: "yesterday's schedule", lastSync: ago(25 * time.Hour), want: FreshnessFresh},
		{name: "three days ago", lastSync: ago(72 * time.Hour), want: FreshnessAging},
		{name: "exactly one week", lastSync: ago(7 * 24 * time.Hour), want: FreshnessStale},
		{name: "months ago", lastSync: ago(90 * 24 * time.Hour), want: FreshnessStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFreshness(tt.lastSync, now))
		})
	}
}

// --- HealthService tests ---

type stubAccountLister struct {
	driven.AccountStore
	accounts []model.Account
}

func (s stubAccountLister) ListByUser(context.Context, int64) ([]model.Account, error) {
	return s.accounts, nil
}

func TestHealthService_Status(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	recent, old := now.Add(-time.Hour), now.Add(-30*24*time.Hour)
	blob := []byte("sealed")

	svc := NewHealthService(stubAccountLister{accounts: []model.Account{
		{ID: 1, Name: "Giro", Status: model.AccountStatusActive, EncryptedCredentials: blob, LastSyncAt: &recent},
		{ID: 2, Name: "Depot", Status: model.AccountStatusPendingAuth, EncryptedCredentials: blob, LastSyncAt: &old,
			PendingAuth: &model.PendingAuth{ChallengeKind: model.ChallengeDecoupled}},
		{ID: 3, Name: "Cash", Status: model.AccountStatusError},
	}})
	svc.SetClock(func() time.Time { return now })

	health, err := svc.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, HealthPendingAuth, health.Overall, "manual account errors do not count")
	assert.Equal(t, 1, health.Stale)
	require.Len(t, health.Accounts, 2)
	assert.Equal(t, FreshnessFresh, health.Accounts[0].Freshness)
	assert.Equal(t, model.ChallengeDecoupled, health.Accounts[1].ChallengeKind)
}
