package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// PollPolicy bounds how long a decoupled approval is waited for.
type PollPolicy struct {
	// Interval and InitialAttempts apply right after the challenge is
	// issued, RetryInterval and RetryAttempts when the client asks to keep
	// waiting. RetryInterval falls back to Interval when unset.
	Interval        time.Duration
	InitialAttempts int
	RetryInterval   time.Duration
	RetryAttempts   int
}

// DefaultPollPolicy waits five minutes initially and two on retry. Both
// budgets stay well inside DefaultSessionTTL.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: 5 * time.Second, InitialAttempts: 60, RetryInterval: time.Second, RetryAttempts: 120}
}

// RetryBudget is the longest a retry poll can take.
func (p PollPolicy) RetryBudget() time.Duration {
	return p.retryInterval() * time.Duration(p.RetryAttempts)
}

// InitialBudget is the longest the first poll can take.
func (p PollPolicy) InitialBudget() time.Duration {
	return p.Interval * time.Duration(p.InitialAttempts)
}

func (p PollPolicy) retryInterval() time.Duration {
	if p.RetryInterval > 0 {
		return p.RetryInterval
	}
	return p.Interval
}

// AuthOutcome is where an authentication attempt ended up. A timed-out
// decoupled approval is reported with State challenge_issued and a
// challenge_timeout Failure so the client can ask to keep waiting.
type AuthOutcome struct {
	State     model.AuthState
	Challenge *model.Challenge
	Failure   *model.SyncError
}

// Authenticated reports whether the integration is ready for data calls.
func (o AuthOutcome) Authenticated() bool {
	return o.State == model.AuthStateAuthenticated
}

// Pending reports whether the caller must keep the session for a later answer.
func (o AuthOutcome) Pending() bool {
	return o.State == model.AuthStateChallengeIssued
}

var errApprovalPending = errors.New("approval pending")

// AuthFlow drives an integration through its authentication state machine.
type AuthFlow struct {
	policy  PollPolicy
	metrics *Metrics
}

// NewAuthFlow creates an AuthFlow. A nil metrics disables instrumentation.
func NewAuthFlow(policy PollPolicy, metrics *Metrics) *AuthFlow {
	return &AuthFlow{policy: policy, metrics: metrics}
}

// Begin authenticates. Decoupled challenges are polled with the initial
// budget before returning; manual challenges return immediately.
func (f *AuthFlow) Begin(ctx context.Context, integration driven.Integration) (AuthOutcome, error) {
	res, err := integration.Authenticate(ctx)
	if err != nil {
		return AuthOutcome{State: model.AuthStateFailed}, fmt.Errorf("authenticate: %w", err)
	}
	if res.RequiresChallenge() && res.Challenge.Decoupled() {
		return f.poll(ctx, integration, *res.Challenge, f.policy.InitialAttempts, f.policy.Interval)
	}
	return f.outcome(res), nil
}

// Complete answers a pending challenge. Decoupled challenges are polled with
// the retry budget and ignore code; manual ones need a non-empty code and
// are submitted exactly once.
func (f *AuthFlow) Complete(ctx context.Context, integration driven.Integration, challenge model.Challenge, code string) (AuthOutcome, error) {
	if challenge.Decoupled() {
		return f.poll(ctx, integration, challenge, f.policy.RetryAttempts, f.policy.retryInterval())
	}
	if code == "" {
		return AuthOutcome{State: model.AuthStateChallengeIssued, Challenge: &challenge},
			model.NewSyncError(model.KindMissingChallengeInput, "a %s code is required", challenge.Kind)
	}

	res, err := integration.CompleteChallenge(ctx, code, challenge.Continuation)
	if err != nil {
		return AuthOutcome{State: model.AuthStateFailed}, fmt.Errorf("complete challenge: %w", err)
	}
	return f.outcome(res), nil
}

func (f *AuthFlow) poll(ctx context.Context, integration driven.Integration, challenge model.Challenge, attempts int, interval time.Duration) (AuthOutcome, error) {
	if attempts < 1 {
		attempts = 1
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	current := challenge
	var final model.AuthResult
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := integration.CompleteChallenge(ctx, "", current.Continuation)
		if err != nil {
			return err
		}
		if res.RequiresChallenge() {
			current = *res.Challenge
			return retry.RetryableError(errApprovalPending)
		}
		final = res
		return nil
	})

	switch {
	case errors.Is(err, errApprovalPending):
		f.metrics.challengeTimedOut()
		slog.Info("decoupled approval still pending", "attempts", attempts)
		return AuthOutcome{
			State:     model.AuthStateChallengeIssued,
			Challenge: &current,
			Failure:   model.NewSyncError(model.KindChallengeTimeout, "approval not received after %d checks", attempts),
		}, nil
	case err != nil && ctx.Err() != nil:
		return AuthOutcome{State: model.AuthStateChallengeIssued, Challenge: &current}, fmt.Errorf("poll approval: %w", err)
	case err != nil:
		return AuthOutcome{State: model.AuthStateFailed}, fmt.Errorf("poll approval: %w", err)
	}
	return f.outcome(final), nil
}

func (f *AuthFlow) outcome(res model.AuthResult) AuthOutcome {
	switch {
	case res.Success:
		return AuthOutcome{State: model.AuthStateAuthenticated}
	case res.RequiresChallenge():
		return AuthOutcome{State: model.AuthStateChallengeIssued, Challenge: res.Challenge}
	case res.Failure != nil:
		f.metrics.authFailed(res.Failure.Kind)
		return AuthOutcome{State: model.AuthStateFailed, Failure: res.Failure}
	default:
		return AuthOutcome{State: model.AuthStateFailed, Failure: model.NewSyncError(model.KindProtocol, "integration returned an empty result")}
	}
}
