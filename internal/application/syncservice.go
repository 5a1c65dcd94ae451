package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// SyncStatus is the outcome of syncing one account.
type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusSkipped     SyncStatus = "skipped" // Balance unchanged since the last snapshot.
	SyncStatusPendingAuth SyncStatus = "pending_auth"
	SyncStatusFailed      SyncStatus = "error"
)

// SyncResult describes what a sync attempt did.
type SyncResult struct {
	AccountID    int64
	Status       SyncStatus
	Snapshot     *model.Snapshot
	Backfilled   int
	SessionToken string
	Challenge    *model.Challenge
	Failure      *model.SyncError
}

// SyncService fetches balances from institutions and records them.
type SyncService struct {
	users     driven.UserStore
	accounts  driven.AccountStore
	snapshots driven.SnapshotStore
	catalog   driven.BrokerCatalog
	factory   driven.IntegrationFactory
	keys      *KeyService
	flow      *AuthFlow
	sessions  *SessionManager
	recorder  snapshotRecorder
	backfill  BackfillPolicy
	metrics   *Metrics
	now       func() time.Time
}

// NewSyncService creates a SyncService with all required dependencies.
func NewSyncService(
	users driven.UserStore,
	accounts driven.AccountStore,
	snapshots driven.SnapshotStore,
	catalog driven.BrokerCatalog,
	factory driven.IntegrationFactory,
	keys *KeyService,
	flow *AuthFlow,
	sessions *SessionManager,
	converter *CurrencyConverter,
	backfill BackfillPolicy,
	metrics *Metrics,
) *SyncService {
	return &SyncService{
		users:     users,
		accounts:  accounts,
		snapshots: snapshots,
		catalog:   catalog,
		factory:   factory,
		keys:      keys,
		flow:      flow,
		sessions:  sessions,
		recorder:  snapshotRecorder{snapshots: snapshots, converter: converter},
		backfill:  backfill,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *SyncService) SetClock(now func() time.Time) {
	s.now = now
}

// Sync authenticates against the account's institution and records its
// balance. A challenge parks the integration and returns the session token
// the client answers with. kek may be nil for legacy credentials.
func (s *SyncService) Sync(ctx context.Context, userID, accountID int64, kek []byte) (SyncResult, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	account, err := ownedAccount(ctx, s.accounts, userID, accountID)
	if err != nil {
		return SyncResult{}, err
	}
	return s.syncAccount(ctx, user, *account, kek)
}

func (s *SyncService) syncAccount(ctx context.Context, user *model.User, account model.Account, kek []byte) (SyncResult, error) {
	if !account.HasCredentials() {
		return SyncResult{}, ErrNoCredentials
	}
	broker, err := s.catalog.Get(account.BrokerCode)
	if err != nil {
		return SyncResult{}, fmt.Errorf("broker %q: %w", account.BrokerCode, err)
	}

	creds, err := s.keys.Open(user, account, kek)
	if err != nil {
		switch model.KindOf(err) {
		case model.KindDecryption, model.KindKeyMismatch:
			return s.fail(ctx, account, nil, err)
		}
		return SyncResult{}, err
	}
	integration, err := s.factory.New(broker, creds)
	if err != nil {
		return s.fail(ctx, account, nil, err)
	}

	outcome, err := s.flow.Begin(ctx, integration)
	if err != nil {
		return s.fail(ctx, account, integration, err)
	}
	return s.afterAuth(ctx, user, account, integration, outcome, "")
}

// afterAuth acts on an authentication outcome. token is the session the
// outcome came from, empty for a fresh login.
func (s *SyncService) afterAuth(ctx context.Context, user *model.User, account model.Account, integration driven.Integration, outcome AuthOutcome, token string) (SyncResult, error) {
	switch outcome.State {
	case model.AuthStateAuthenticated:
		defer closeIntegration(integration, token)
		return s.collect(ctx, user, account, integration)

	case model.AuthStateChallengeIssued:
		if token != "" {
			return SyncResult{AccountID: account.ID, Status: SyncStatusPendingAuth, SessionToken: token, Challenge: outcome.Challenge, Failure: outcome.Failure}, nil
		}
		return s.park(ctx, user, account, integration, outcome)

	default:
		closeIntegration(integration, token)
		failure := outcome.Failure
		if failure == nil {
			failure = model.NewSyncError(model.KindProtocol, "authentication failed")
		}
		if err := s.accounts.MarkError(ctx, account.ID, failure.Error()); err != nil {
			slog.Error("mark account error", "account_id", account.ID, "error", err)
		}
		s.metrics.synced(account.BrokerCode, string(SyncStatusFailed))
		slog.Info("authentication failed", "account_id", account.ID, "broker", account.BrokerCode, "kind", failure.Kind)
		return SyncResult{AccountID: account.ID, Status: SyncStatusFailed, Failure: failure}, nil
	}
}

func (s *SyncService) park(ctx context.Context, user *model.User, account model.Account, integration driven.Integration, outcome AuthOutcome) (SyncResult, error) {
	session, err := s.sessions.Open(ctx, model.SyncSession{
		UserID:     user.ID,
		AccountID:  account.ID,
		BrokerCode: account.BrokerCode,
		Purpose:    model.SessionPurposeSync,
		State:      outcome.State,
		Challenge:  outcome.Challenge,
	}, integration)
	if err != nil {
		return SyncResult{}, err
	}

	pending := model.PendingAuth{
		SessionToken:  session.Token,
		ChallengeKind: outcome.Challenge.Kind,
		Prompt:        outcome.Challenge.Prompt,
		StartedAt:     session.CreatedAt,
	}
	if err := s.accounts.MarkPendingAuth(ctx, account.ID, pending); err != nil {
		return SyncResult{}, fmt.Errorf("mark account %d pending: %w", account.ID, err)
	}

	s.metrics.synced(account.BrokerCode, string(SyncStatusPendingAuth))
	slog.Info("sync waiting for challenge", "account_id", account.ID, "broker", account.BrokerCode, "challenge", outcome.Challenge.Kind)
	return SyncResult{
		AccountID:    account.ID,
		Status:       SyncStatusPendingAuth,
		SessionToken: session.Token,
		Challenge:    outcome.Challenge,
		Failure:      outcome.Failure,
	}, nil
}

// CompleteAuth answers the challenge an account is waiting on and finishes
// the sync. code is ignored for decoupled challenges, which are polled.
func (s *SyncService) CompleteAuth(ctx context.Context, userID, accountID int64, code string, kek []byte) (SyncResult, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	account, err := ownedAccount(ctx, s.accounts, userID, accountID)
	if err != nil {
		return SyncResult{}, err
	}
	if account.Status != model.AccountStatusPendingAuth || account.PendingAuth == nil {
		return SyncResult{}, ErrNotPendingAuth
	}

	token := account.PendingAuth.SessionToken
	lease, err := s.sessions.Acquire(ctx, token, s.rebuilder(user, *account, kek))
	if err != nil {
		if errors.Is(err, model.ErrSessionExpired) {
			if markErr := s.accounts.MarkError(ctx, account.ID, "authentication session expired; sync again"); markErr != nil {
				slog.Error("mark account error", "account_id", account.ID, "error", markErr)
			}
		}
		return SyncResult{}, err
	}
	defer lease.Release()

	if lease.UserID != userID || lease.AccountID != accountID || lease.Challenge == nil {
		return SyncResult{}, model.NewSyncError(model.KindSessionExpired, "session does not belong to this account")
	}

	outcome, err := s.flow.Complete(ctx, lease.Integration, *lease.Challenge, code)
	if errors.Is(err, model.ErrMissingChallengeInput) {
		return SyncResult{}, err
	}
	if err != nil {
		lease.Abandon(ctx)
		return s.fail(ctx, *account, nil, err)
	}

	switch outcome.State {
	case model.AuthStateChallengeIssued:
		lease.Challenge = outcome.Challenge
		lease.State = outcome.State
		if err := lease.Save(ctx); err != nil {
			return SyncResult{}, err
		}
	default:
		if err := lease.Finish(ctx); err != nil {
			slog.Warn("finish session", "account_id", account.ID, "error", err)
		}
	}
	return s.afterAuth(ctx, user, *account, lease.Integration, outcome, token)
}

func (s *SyncService) rebuilder(user *model.User, account model.Account, kek []byte) Rebuilder {
	return func(_ context.Context, session model.SyncSession) (driven.Integration, error) {
		broker, err := s.catalog.Get(session.BrokerCode)
		if err != nil {
			return nil, fmt.Errorf("broker %q: %w", session.BrokerCode, err)
		}
		creds, err := s.keys.Open(user, account, kek)
		if err != nil {
			return nil, err
		}
		return s.factory.New(broker, creds)
	}
}

// collect records the current balance, positions and missing history.
func (s *SyncService) collect(ctx context.Context, user *model.User, account model.Account, integration driven.Integration) (SyncResult, error) {
	balance, err := integration.Balance(ctx, account.ExternalID)
	if err != nil {
		return s.fail(ctx, account, nil, fmt.Errorf("fetch balance: %w", err))
	}

	positions, err := integration.Positions(ctx, account.ExternalID)
	if err != nil {
		slog.Warn("fetch positions failed", "account_id", account.ID, "broker", account.BrokerCode, "error", err)
	}

	snapshot := s.snapshotOf(account, balance, model.SnapshotSourceAuto)
	for _, p := range positions {
		snapshot.Positions = append(snapshot.Positions, p.ToPosition())
	}

	result := SyncResult{AccountID: account.ID, Status: SyncStatusSynced}
	recorded, err := s.recorder.record(ctx, snapshot, user.BaseCurrency)
	switch {
	case errors.Is(err, ErrDuplicateSnapshot):
		result.Status = SyncStatusSkipped
	case err != nil:
		return s.fail(ctx, account, nil, err)
	default:
		result.Snapshot = &recorded
	}

	if integration.SupportsHistory() {
		result.Backfilled = s.backfillHistory(ctx, user, account, integration)
	}

	if err := s.accounts.MarkSynced(ctx, account.ID, s.now()); err != nil {
		return result, fmt.Errorf("mark account %d synced: %w", account.ID, err)
	}

	s.metrics.synced(account.BrokerCode, string(result.Status))
	slog.Info("account synced", "account_id", account.ID, "broker", account.BrokerCode,
		"status", result.Status, "backfilled", result.Backfilled)
	return result, nil
}

// backfillHistory stores historical balances for dates without a snapshot.
// Failures are logged and count as nothing backfilled.
func (s *SyncService) backfillHistory(ctx context.Context, user *model.User, account model.Account, integration driven.Integration) int {
	today := model.DateOnly(s.now())
	existing, err := s.snapshots.Dates(ctx, account.ID, today.AddDate(0, 0, -wideWindowDays), today)
	if err != nil {
		slog.Warn("load snapshot dates", "account_id", account.ID, "error", err)
		return 0
	}

	window, ok := PlanBackfill(existing, today, integration.HistoryNeedsExtraRequest(), s.backfill)
	if !ok {
		return 0
	}

	history, err := integration.HistoricalBalances(ctx, account.ExternalID, window.Start, window.End)
	if err != nil {
		slog.Warn("fetch history failed", "account_id", account.ID, "broker", account.BrokerCode, "error", err)
		return 0
	}

	covered := make(map[time.Time]struct{}, len(existing))
	for _, d := range existing {
		covered[model.DateOnly(d)] = struct{}{}
	}

	created := 0
	for _, b := range history {
		day := model.DateOnly(b.AsOf)
		if _, ok := covered[day]; ok {
			continue
		}
		if _, err := s.recorder.record(ctx, s.snapshotOf(account, b, model.SnapshotSourceAuto), user.BaseCurrency); err != nil {
			if !errors.Is(err, ErrDuplicateSnapshot) {
				slog.Warn("store historical balance", "account_id", account.ID, "date", day.Format(time.DateOnly), "error", err)
			}
			continue
		}
		covered[day] = struct{}{}
		created++
	}
	if created > 0 {
		slog.Info("history backfilled", "account_id", account.ID, "created", created,
			"from", window.Start.Format(time.DateOnly), "to", window.End.Format(time.DateOnly))
	}
	return created
}

func (s *SyncService) snapshotOf(account model.Account, b model.BalanceInfo, source model.SnapshotSource) model.Snapshot {
	date := b.AsOf
	if date.IsZero() {
		date = s.now()
	}
	currency := b.Currency
	if currency == "" {
		currency = account.Currency
	}
	return model.Snapshot{
		AccountID: account.ID,
		Date:      model.DateOnly(date),
		Balance:   b.Balance,
		Currency:  currency,
		Source:    source,
		Raw:       b.Raw,
	}
}

// fail records an unexpected error on the account and closes the
// integration. Classified errors come back as a failed result; anything
// else is returned as an error.
func (s *SyncService) fail(ctx context.Context, account model.Account, integration driven.Integration, err error) (SyncResult, error) {
	closeIntegration(integration, "")
	slog.Error("sync failed", "account_id", account.ID, "broker", account.BrokerCode, "error", err)

	if markErr := s.accounts.MarkError(ctx, account.ID, model.Truncate(err.Error(), 500)); markErr != nil {
		slog.Error("mark account error", "account_id", account.ID, "error", markErr)
	}
	s.metrics.synced(account.BrokerCode, string(SyncStatusFailed))

	var se *model.SyncError
	if errors.As(err, &se) {
		return SyncResult{AccountID: account.ID, Status: SyncStatusFailed, Failure: se}, nil
	}
	return SyncResult{}, fmt.Errorf("sync account %d: %w", account.ID, err)
}

// AccountSummary is one line of a bulk sync report.
type AccountSummary struct {
	AccountID     int64
	Name          string
	Balance       *decimal.Decimal
	Currency      string
	ChallengeKind model.ChallengeKind
	SessionToken  string
	Reason        string
}

// SyncReport groups the accounts of a bulk sync by outcome.
type SyncReport struct {
	Synced  []AccountSummary
	Pending []AccountSummary
	Failed  []AccountSummary
	Skipped []AccountSummary
}

// SyncAll syncs every account of the user that has credentials and sync
// enabled. One account failing does not stop the others.
func (s *SyncService) SyncAll(ctx context.Context, userID int64, kek []byte) (SyncReport, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return SyncReport{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list accounts for user %d: %w", userID, err)
	}

	var report SyncReport
	for _, a := range accounts {
		if !a.SyncEnabled || !a.HasCredentials() || a.Status == model.AccountStatusInactive {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := s.syncAccount(ctx, user, a, kek)
		s.addToReport(&report, a, result, err)
	}
	return report, nil
}

// AutoSync syncs every account eligible for unattended sync. Only legacy
// credentials qualify since no KEK is available.
func (s *SyncService) AutoSync(ctx context.Context) (SyncReport, error) {
	accounts, err := s.accounts.ListAutoSync(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list auto-sync accounts: %w", err)
	}

	users := make(map[int64]*model.User)
	var report SyncReport
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		broker, err := s.catalog.Get(a.BrokerCode)
		if err != nil || !broker.SupportsAutoSync {
			continue
		}
		user, ok := users[a.UserID]
		if !ok {
			if user, err = s.users.Get(ctx, a.UserID); err != nil {
				slog.Error("auto-sync user lookup failed", "user_id", a.UserID, "error", err)
				continue
			}
			users[a.UserID] = user
		}
		result, err := s.syncAccount(ctx, user, a, nil)
		s.addToReport(&report, a, result, err)
	}

	slog.Info("auto-sync finished", "synced", len(report.Synced), "pending", len(report.Pending),
		"failed", len(report.Failed), "skipped", len(report.Skipped))
	return report, nil
}

func (s *SyncService) addToReport(report *SyncReport, account model.Account, r SyncResult, err error) {
	summary := AccountSummary{AccountID: account.ID, Name: account.Name}

	switch {
	case err != nil:
		summary.Reason = publicMessage(err)
		report.Failed = append(report.Failed, summary)
	case r.Status == SyncStatusFailed:
		summary.Reason = r.Failure.Message
		report.Failed = append(report.Failed, summary)
	case r.Status == SyncStatusPendingAuth:
		summary.ChallengeKind = r.Challenge.Kind
		summary.SessionToken = r.SessionToken
		report.Pending = append(report.Pending, summary)
	case r.Status == SyncStatusSkipped:
		summary.Reason = "no change"
		report.Skipped = append(report.Skipped, summary)
	default:
		if r.Snapshot != nil {
			summary.Balance = &r.Snapshot.Balance
			summary.Currency = r.Snapshot.Currency
		}
		report.Synced = append(report.Synced, summary)
	}
}

// publicMessage hides unclassified error text from API clients.
func publicMessage(err error) string {
	var se *model.SyncError
	if errors.As(err, &se) {
		return se.Message
	}
	switch {
	case errors.Is(err, ErrNoCredentials), errors.Is(err, ErrNotMigrated):
		return err.Error()
	default:
		return "sync failed; see the account status for details"
	}
}
