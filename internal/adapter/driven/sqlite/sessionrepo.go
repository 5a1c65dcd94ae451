package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.SessionStore = (*SessionRepo)(nil)

// Fixed width so created_at compares correctly as text.
const sessionTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SessionRepo persists sync sessions so a challenge can be answered after a
// restart or on another instance. Live integrations are not stored: every
// session read back has a nil Integration and must be rebuilt from its
// Suspended state.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new SessionRepo backed by the given DB.
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Put inserts or replaces the session row.
func (r *SessionRepo) Put(ctx context.Context, s *driven.Session) error {
	const query = `
		INSERT INTO sync_sessions (token, user_id, account_id, broker_code, purpose, state, challenge, suspended, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			state = excluded.state,
			challenge = excluded.challenge,
			suspended = excluded.suspended`

	challenge, err := marshalNullable(s.Challenge)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	suspended, err := marshalNullable(s.Suspended)
	if err != nil {
		return fmt.Errorf("marshal suspended state: %w", err)
	}

	_, err = r.db.Writer.ExecContext(ctx, query,
		s.Token, s.UserID, s.AccountID, s.BrokerCode, string(s.Purpose), string(s.State),
		challenge, suspended, s.CreatedAt.UTC().Format(sessionTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Get loads a session without its integration.
func (r *SessionRepo) Get(ctx context.Context, token string) (*driven.Session, error) {
	const query = `
		SELECT token, user_id, account_id, broker_code, purpose, state, challenge, suspended, created_at
		FROM sync_sessions WHERE token = ?`

	s, err := scanSession(r.db.Reader.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// Delete removes and returns the session.
func (r *SessionRepo) Delete(ctx context.Context, token string) (*driven.Session, error) {
	s, err := r.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	res, err := r.db.Writer.ExecContext(ctx, `DELETE FROM sync_sessions WHERE token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	if err := requireAffected(res, driven.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return s, nil
}

// ExpiredTokens lists sessions created before cutoff.
func (r *SessionRepo) ExpiredTokens(ctx context.Context, cutoff time.Time) ([]string, error) {
	const query = `SELECT token FROM sync_sessions WHERE created_at < ? ORDER BY created_at`

	rows, err := r.db.Reader.QueryContext(ctx, query, cutoff.UTC().Format(sessionTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan session token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return tokens, nil
}

func scanSession(s scanner) (*driven.Session, error) {
	var (
		sess      driven.Session
		purpose   string
		state     string
		challenge sql.NullString
		suspended sql.NullString
		createdAt string
	)

	err := s.Scan(&sess.Token, &sess.UserID, &sess.AccountID, &sess.BrokerCode, &purpose, &state,
		&challenge, &suspended, &createdAt)
	if err != nil {
		return nil, err
	}

	sess.Purpose = model.SessionPurpose(purpose)
	sess.State = model.AuthState(state)

	if challenge.Valid {
		var c model.Challenge
		if err := json.Unmarshal([]byte(challenge.String), &c); err != nil {
			return nil, fmt.Errorf("unmarshal challenge: %w", err)
		}
		sess.Challenge = &c
	}
	if suspended.Valid {
		if err := json.Unmarshal([]byte(suspended.String), &sess.Suspended); err != nil {
			return nil, fmt.Errorf("unmarshal suspended state: %w", err)
		}
	}

	if sess.CreatedAt, err = time.Parse(sessionTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &sess, nil
}

func marshalNullable[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
