package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/live-match/internal/database"
)

const sessionColumns = `id, user_id, started_at, expires_at, ended_at, duration_minutes,
	raw_lat, raw_lng, fuzzed_lat, fuzzed_lng`

// Store manages session rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s     Session
		ended sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.StartedAt, &s.ExpiresAt, &ended, &s.DurationMinutes,
		&s.Raw.Lat, &s.Raw.Lng, &s.Fuzzed.Lat, &s.Fuzzed.Lng)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

// Insert stores a new open session. ID, ExpiresAt and StartedAt must be set.
func (s *Store) Insert(ctx context.Context, q database.Querier, sess *Session) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO live_sessions (id, user_id, started_at, expires_at, duration_minutes,
			raw_lat, raw_lng, fuzzed_lat, fuzzed_lng)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.StartedAt, sess.ExpiresAt, sess.DurationMinutes,
		sess.Raw.Lat, sess.Raw.Lng, sess.Fuzzed.Lat, sess.Fuzzed.Lng)
	if err != nil {
		return fmt.Errorf("session: insert %s: %w", sess.ID, err)
	}
	return nil
}

// Get retrieves a session by id. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	return sess, nil
}

// ActiveForUser returns the user's open, unexpired session or nil.
func (s *Store) ActiveForUser(ctx context.Context, q database.Querier, userID string) (*Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM live_sessions
		WHERE user_id = $1 AND ended_at IS NULL AND expires_at > now()`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: active for %s: %w", userID, err)
	}
	return sess, nil
}

// ExpireOverdueForUser closes the user's open session if its expiry has
// passed, so a new one can be inserted.
func (s *Store) ExpireOverdueForUser(ctx context.Context, q database.Querier, userID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE live_sessions SET ended_at = expires_at
		WHERE user_id = $1 AND ended_at IS NULL AND expires_at <= now()`, userID)
	if err != nil {
		return fmt.Errorf("session: expire overdue for %s: %w", userID, err)
	}
	return nil
}

// ExpireOverdue closes every open session past its expiry. Returns the
// number of sessions closed.
func (s *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE live_sessions SET ended_at = expires_at
		WHERE ended_at IS NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("session: expire overdue: %w", err)
	}
	return res.RowsAffected()
}

// Extend pushes an active session's expiry forward by step. It returns the
// updated session, or nil if the session is no longer active.
func (s *Store) Extend(ctx context.Context, sessionID string, step time.Duration) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE live_sessions
		SET expires_at = expires_at + make_interval(secs => $2),
		    duration_minutes = duration_minutes + $3
		WHERE id = $1 AND ended_at IS NULL AND expires_at > now()
		RETURNING `+sessionColumns,
		sessionID, step.Seconds(), int(step.Minutes()))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: extend %s: %w", sessionID, err)
	}
	return sess, nil
}

// End closes an open session now, or at its expiry if that already
// passed. Returns false if it was already closed.
func (s *Store) End(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE live_sessions SET ended_at = LEAST(now(), expires_at)
		WHERE id = $1 AND ended_at IS NULL`, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Expire closes the session if it is still open and its expiry has
// passed. Returns false if nothing changed.
func (s *Store) Expire(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE live_sessions SET ended_at = expires_at
		WHERE id = $1 AND ended_at IS NULL AND expires_at <= now()`, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: expire %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: expire %s: %w", sessionID, err)
	}
	return n == 1, nil
}
