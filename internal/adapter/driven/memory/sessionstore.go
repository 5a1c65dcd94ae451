// Package memory provides in-process implementations of driven ports for
// single-instance deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.SessionStore = (*SessionStore)(nil)

// SessionStore keeps sessions, live integrations included, in a
// mutex-protected map.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*driven.Session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*driven.Session)}
}

// Put stores the session, replacing any with the same token.
func (s *SessionStore) Put(_ context.Context, session *driven.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Token] = session
	return nil
}

// Get returns the stored session itself, not a copy.
func (s *SessionStore) Get(_ context.Context, token string) (*driven.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return nil, driven.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionStore) Delete(_ context.Context, token string) (*driven.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return nil, driven.ErrSessionNotFound
	}
	delete(s.sessions, token)
	return session, nil
}

func (s *SessionStore) ExpiredTokens(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens []string
	for token, session := range s.sessions {
		if session.CreatedAt.Before(cutoff) {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// Len reports the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close drops every session and closes its live integration. Parked
// authentications do not survive a restart of this store.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*driven.Session)
	s.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if session.Integration == nil {
			continue
		}
		if err := session.Integration.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
