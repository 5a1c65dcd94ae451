package application

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// Freshness classifies how recently an account was last synced.
type Freshness string

const (
	FreshnessFresh Freshness = "fresh" // Synced within the last 26 hours.
	FreshnessAging Freshness = "aging" // Synced within the last 7 days.
	FreshnessStale Freshness = "stale"
	FreshnessNever Freshness = "never"
)

// Freshness thresholds. A daily schedule plus a little slack counts as fresh.
const (
	freshWindow = 26 * time.Hour
	agingWindow = 7 * 24 * time.Hour
)

// HealthStatus is the combined sync state of a user's accounts.
type HealthStatus string

const (
	HealthError       HealthStatus = "error"
	HealthPendingAuth HealthStatus = "pending_auth"
	HealthOK          HealthStatus = "ok"
	HealthUnknown     HealthStatus = "unknown"
)

// AccountHealth is the sync state of one account.
type AccountHealth struct {
	AccountID     int64
	Name          string
	Status        model.AccountStatus
	Freshness     Freshness
	LastSyncAt    *time.Time
	LastError     string
	ChallengeKind model.ChallengeKind
}

// SyncHealth is the sync overview shown on the dashboard.
type SyncHealth struct {
	Overall  HealthStatus
	Stale    int
	Accounts []AccountHealth
}

// HealthService reports which accounts need attention. It depends only on
// the account store.
type HealthService struct {
	accounts driven.AccountStore
	now      func() time.Time
}

// NewHealthService creates a HealthService.
func NewHealthService(accounts driven.AccountStore) *HealthService {
	return &HealthService{accounts: accounts, now: time.Now}
}

// SetClock replaces the time source.
func (s *HealthService) SetClock(now func() time.Time) {
	s.now = now
}

// Status returns the sync state of every synced account of the user.
// Manual accounts are left out since nothing syncs them.
func (s *HealthService) Status(ctx context.Context, userID int64) (SyncHealth, error) {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return SyncHealth{}, fmt.Errorf("list accounts for user %d: %w", userID, err)
	}

	now := s.now()
	var health SyncHealth
	var synced []model.Account
	for _, a := range accounts {
		if !a.HasCredentials() {
			continue
		}
		synced = append(synced, a)

		h := AccountHealth{
			AccountID:  a.ID,
			Name:       a.Name,
			Status:     a.Status,
			Freshness:  classifyFreshness(a.LastSyncAt, now),
			LastSyncAt: a.LastSyncAt,
			LastError:  a.LastSyncError,
		}
		if a.PendingAuth != nil {
			h.ChallengeKind = a.PendingAuth.ChallengeKind
		}
		if h.Freshness == FreshnessStale || h.Freshness == FreshnessNever {
			health.Stale++
		}
		health.Accounts = append(health.Accounts, h)
	}
	health.Overall = combinedStatus(synced)
	return health, nil
}

// classifyFreshness treats a nil time as never synced.
func classifyFreshness(lastSync *time.Time, now time.Time) Freshness {
	if lastSync == nil || lastSync.IsZero() {
		return FreshnessNever
	}

	elapsed := now.Sub(*lastSync)
	switch {
	case elapsed < freshWindow:
		return FreshnessFresh
	case elapsed < agingWindow:
		return FreshnessAging
	default:
		return FreshnessStale
	}
}

// combinedStatus aggregates account states into one value.
// Priority: error > pending_auth > ok > unknown. Inactive accounts are ignored.
func combinedStatus(accounts []model.Account) HealthStatus {
	var hasError, hasPending, hasActive bool
	for _, a := range accounts {
		switch a.Status {
		case model.AccountStatusError:
			hasError = true
		case model.AccountStatusPendingAuth:
			hasPending = true
		case model.AccountStatusActive:
			hasActive = true
		}
	}

	switch {
	case hasError:
		return HealthError
	case hasPending:
		return HealthPendingAuth
	case hasActive:
		return HealthOK
	default:
		return HealthUnknown
	}
}
