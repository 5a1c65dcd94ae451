package model

import "time"

// Continuation is integration-private state needed to finish a challenge,
// for example a FinTS dialog id and task reference. Callers treat it as opaque.
type Continuation map[string]string

// Challenge is a second factor requested by an institution.
type Challenge struct {
	Kind         ChallengeKind
	Prompt       string
	HTML         string // Sanitized, optional.
	Continuation Continuation
}

// Decoupled reports whether the challenge is approved out of band and must
// be polled rather than answered with a code.
func (c Challenge) Decoupled() bool {
	return c.Kind == ChallengeDecoupled
}

// AuthResult is the outcome of an authentication step. Exactly one of
// Success, Challenge or Failure is set.
type AuthResult struct {
	Success   bool
	Challenge *Challenge
	Failure   *SyncError
}

// Authenticated is the successful result.
func Authenticated() AuthResult {
	return AuthResult{Success: true}
}

// ChallengeRequired wraps a challenge as a result.
func ChallengeRequired(c Challenge) AuthResult {
	return AuthResult{Challenge: &c}
}

// AuthFailed wraps an expected failure as a result.
func AuthFailed(err *SyncError) AuthResult {
	return AuthResult{Failure: err}
}

// RequiresChallenge reports whether the caller must answer a challenge.
func (r AuthResult) RequiresChallenge() bool {
	return !r.Success && r.Challenge != nil
}

// SyncSession tracks one in-flight authentication keyed by an opaque token.
// Discovery sessions have no AccountID.
type SyncSession struct {
	Token      string
	UserID     int64
	AccountID  int64
	BrokerCode string
	Purpose    SessionPurpose
	State      AuthState
	Challenge  *Challenge
	Suspended  Continuation // Integration state captured for reconnecting.
	CreatedAt  time.Time
}

// Expired reports whether the session is older than ttl at now.
func (s SyncSession) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) >= ttl
}

// PendingAuth is persisted on an account while it waits for a challenge
// answer, so a later request can find the session again.
type PendingAuth struct {
	SessionToken  string        `json:"session_token"`
	ChallengeKind ChallengeKind `json:"challenge_kind"`
	Prompt        string        `json:"prompt,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}
