package application_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

func fastPolicy(initial, retry int) application.PollPolicy {
	return application.PollPolicy{Interval: time.Millisecond, InitialAttempts: initial, RetryAttempts: retry}
}

// approvingAfter returns a decoupled integration whose approval arrives on
// the nth poll.
func approvingAfter(n int32) *fakeIntegration {
	var polls atomic.Int32
	return &fakeIntegration{
		authenticate: func(context.Context) (model.AuthResult, error) {
			return model.ChallengeRequired(decoupledChallenge()), nil
		},
		complete: func(context.Context, string, model.Continuation) (model.AuthResult, error) {
			if polls.Add(1) < n {
				return model.ChallengeRequired(decoupledChallenge()), nil
			}
			return model.Authenticated(), nil
		},
	}
}

func TestAuthFlow_BeginImmediateSuccess(t *testing.T) {
	flow := application.NewAuthFlow(fastPolicy(3, 3), nil)

	outcome, err := flow.Begin(context.Background(), &fakeIntegration{})
	require.NoError(t, err)
	assert.True(t, outcome.Authenticated())
}

func TestAuthFlow_DecoupledApprovedWhilePolling(t *testing.T) {
	flow := application.NewAuthFlow(fastPolicy(10, 10), nil)
	integ := approvingAfter(6)

	outcome, err := flow.Begin(context.Background(), integ)
	require.NoError(t, err)
	assert.True(t, outcome.Authenticated())
	assert.Equal(t, 6, integ.completionCount())
}

func TestAuthFlow_DecoupledTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := application.NewMetrics(reg)
	flow := application.NewAuthFlow(fastPolicy(3, 5), metrics)
	integ := approvingAfter(100)

	outcome, err := flow.Begin(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStateChallengeIssued, outcome.State)
	assert.True(t, outcome.Pending())
	require.NotNil(t, outcome.Challenge)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, model.KindChallengeTimeout, outcome.Failure.Kind)
	assert.Equal(t, 3, integ.completionCount())

	assert.Equal(t, 1.0, counterTotal(t, reg, "wealthpanel_challenge_timeouts_total"))

	// Asking to keep waiting uses the retry budget.
	outcome, err = flow.Complete(context.Background(), integ, *outcome.Challenge, "")
	require.NoError(t, err)
	assert.Equal(t, model.KindChallengeTimeout, outcome.Failure.Kind)
	assert.Equal(t, 8, integ.completionCount())
	assert.Equal(t, 2.0, counterTotal(t, reg, "wealthpanel_challenge_timeouts_total"))
}

func TestAuthFlow_ManualChallengeReturnsImmediately(t *testing.T) {
	flow := application.NewAuthFlow(fastPolicy(3, 3), nil)
	integ := &fakeIntegration{
		authenticate: func(context.Context) (model.AuthResult, error) {
			return model.ChallengeRequired(model.Challenge{Kind: model.ChallengeTAN, Prompt: "Enter TAN"}), nil
		},
	}

	outcome, err := flow.Begin(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStateChallengeIssued, outcome.State)
	assert.Nil(t, outcome.Failure)
	assert.Equal(t, "Enter TAN", outcome.Challenge.Prompt)
	assert.Zero(t, integ.completionCount())
}

func TestAuthFlow_ManualMissingCode(t *testing.T) {
	flow := application.NewAuthFlow(fastPolicy(3, 3), nil)
	integ := &fakeIntegration{}
	challenge := model.Challenge{Kind: model.ChallengeTAN}

	outcome, err := flow.Complete(context.Background(), integ, challenge, "")
	assert.Equal(t, model.KindMissingChallengeInput, model.KindOf(err))
	assert.Equal(t, model.AuthStateChallengeIssued, outcome.State)
	assert.Zero(t, integ.completionCount())
}

func TestAuthFlow_ManualCodeSubmittedOnce(t *testing.T) {
	flow := application.NewAuthFlow(fastPolicy(3, 3), nil)
	integ := &fakeIntegration{
		complete: func(_ context.Context, code string, cont model.Continuation) (model.AuthResult, error) {
			if code == "123456" && cont["dialog_id"] == "D-1" {
				return model.Authenticated(), nil
			}
			return model.AuthFailed(model.NewSyncError(model.KindInvalidCredentials, "wrong TAN")), nil
		},
	}
	challenge := model.Challenge{Kind: model.ChallengeTAN, Continuation: model.Continuation{"dialog_id": "D-1"}}

	outcome, err := flow.Complete(context.Background(), integ, challenge, "123456")
	require.NoError(t, err)
	assert.True(t, outcome.Authenticated())
	assert.Equal(t, 1, integ.completionCount())
}

func TestAuthFlow_FailureCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	flow := application.NewAuthFlow(fastPolicy(3, 3), application.NewMetrics(reg))
	integ := &fakeIntegration{
		authenticate: func(context.Context) (model.AuthResult, error) {
			return model.AuthFailed(model.NewSyncError(model.KindInvalidCredentials, "PIN wrong")), nil
		},
	}

	outcome, err := flow.Begin(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStateFailed, outcome.State)
	assert.Equal(t, model.KindInvalidCredentials, outcome.Failure.Kind)

	assert.Equal(t, 1.0, counterTotal(t, reg, "wealthpanel_auth_failures_total"))
}

func TestAuthFlow_UnexpectedError(t *testing.T) {
	flow := application.NewAuthFlow(fastPolicy(3, 3), nil)
	boom := errors.New("connection reset")
	integ := &fakeIntegration{
		authenticate: func(context.Context) (model.AuthResult, error) {
			return model.ChallengeRequired(decoupledChallenge()), nil
		},
		complete: func(context.Context, string, model.Continuation) (model.AuthResult, error) {
			return model.AuthResult{}, boom
		},
	}

	outcome, err := flow.Begin(context.Background(), integ)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, model.AuthStateFailed, outcome.State)
	assert.Equal(t, 1, integ.completionCount())
}

func TestAuthFlow_CanceledWhilePolling(t *testing.T) {
	flow := application.NewAuthFlow(application.PollPolicy{Interval: time.Hour, InitialAttempts: 5, RetryAttempts: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	integ := &fakeIntegration{
		authenticate: func(context.Context) (model.AuthResult, error) {
			return model.ChallengeRequired(decoupledChallenge()), nil
		},
		complete: func(context.Context, string, model.Continuation) (model.AuthResult, error) {
			cancel()
			return model.ChallengeRequired(decoupledChallenge()), nil
		},
	}

	outcome, err := flow.Begin(ctx, integ)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.AuthStateChallengeIssued, outcome.State)
}

func TestDefaultPollPolicy_BudgetsFitSessionTTL(t *testing.T) {
	p := application.DefaultPollPolicy()

	assert.Equal(t, 5*time.Minute, p.InitialBudget())
	assert.Equal(t, 2*time.Minute, p.RetryBudget())
	assert.Less(t, p.RetryBudget(), application.DefaultSessionTTL)
}

func TestPollPolicy_RetryIntervalFallsBackToInterval(t *testing.T) {
	p := application.PollPolicy{Interval: 5 * time.Second, RetryAttempts: 4}
	assert.Equal(t, 20*time.Second, p.RetryBudget())
}
