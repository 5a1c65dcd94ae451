package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// ErrSessionNotFound indicates the token is unknown or already removed.
var ErrSessionNotFound = errors.New("session not found")

// Session couples persisted session state with its live integration.
// Integration is nil when the store cannot hold live objects, or after the
// session was restored from durable storage.
type Session struct {
	model.SyncSession
	Integration Integration
}

// SessionStore defines the driven port for in-flight authentication
// sessions. Implementations are safe for concurrent use.
type SessionStore interface {
	Put(ctx context.Context, session *Session) error

	// Get returns ErrSessionNotFound for unknown tokens.
	Get(ctx context.Context, token string) (*Session, error)

	// Delete removes the session and returns it so the caller can close its
	// integration. Returns ErrSessionNotFound for unknown tokens.
	Delete(ctx context.Context, token string) (*Session, error)

	// ExpiredTokens lists the tokens of sessions created before cutoff
	// without removing them.
	ExpiredTokens(ctx context.Context, cutoff time.Time) ([]string, error)
}
