// Package matching is the live matching engine: candidate discovery by
// proximity and mutual preference, race-free pairing of two sessions,
// decline handling and auto-expiry of unanswered matches.
package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/live-match/internal/database"
)

// DeclinedBySystem marks a match closed by auto-expiry rather than a user.
const DeclinedBySystem = "system"

// Match status values as seen by a participant.
const (
	StatusActive   = "active"
	StatusDeclined = "declined"
	StatusExpired  = "expired"
	StatusSaved    = "saved"
)

var (
	ErrMatchNotFound   = errors.New("matching: match not found")
	ErrNotParticipant  = errors.New("matching: user is not a participant")
	ErrMatchClosed     = errors.New("matching: match is closed")
	ErrLockNotAcquired = errors.New("matching: could not lock both sessions")
	ErrAlreadyMatched  = errors.New("matching: a participant already has an active match")
)

// Match is one ephemeral match row.
type Match struct {
	ID               string
	UserA            string
	UserB            string
	SessionA         string
	SessionB         string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	DeclinedBy       string // user id, DeclinedBySystem, or empty
	DeclinedAt       *time.Time
	SavedA           bool
	SavedB           bool
	PermanentMatchID string
}

// Has reports whether userID is one of the participants.
func (m *Match) Has(userID string) bool {
	return userID == m.UserA || userID == m.UserB
}

// Partner returns the other participant's user id.
func (m *Match) Partner(userID string) string {
	if userID == m.UserA {
		return m.UserB
	}
	return m.UserA
}

// SessionOf returns the session through which userID is in the match.
func (m *Match) SessionOf(userID string) string {
	if userID == m.UserA {
		return m.SessionA
	}
	return m.SessionB
}

// SavedBy reports whether userID has voted to save.
func (m *Match) SavedBy(userID string) bool {
	if userID == m.UserA {
		return m.SavedA
	}
	return m.SavedB
}

// Status returns the match status at now.
func (m *Match) Status(now time.Time) string {
	switch {
	case m.PermanentMatchID != "":
		return StatusSaved
	case m.DeclinedBy == DeclinedBySystem:
		return StatusExpired
	case m.DeclinedBy != "":
		return StatusDeclined
	case !now.Before(m.ExpiresAt):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Converted reports whether the match became a permanent match.
func (m *Match) Converted() bool {
	return m.PermanentMatchID != ""
}

const matchColumns = `id, user_a, user_b, session_a, session_b, created_at, expires_at,
	declined_by, declined_at, saved_a, saved_b, permanent_match_id`

// openMatch is the predicate for a match nobody has resolved yet.
const openMatch = `declined_by IS NULL AND permanent_match_id IS NULL`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*Match, error) {
	var (
		m          Match
		declinedBy sql.NullString
		declinedAt sql.NullTime
		permanent  sql.NullString
	)
	err := row.Scan(&m.ID, &m.UserA, &m.UserB, &m.SessionA, &m.SessionB, &m.CreatedAt, &m.ExpiresAt,
		&declinedBy, &declinedAt, &m.SavedA, &m.SavedB, &permanent)
	if err != nil {
		return nil, err
	}
	m.DeclinedBy = declinedBy.String
	m.PermanentMatchID = permanent.String
	if declinedAt.Valid {
		m.DeclinedAt = &declinedAt.Time
	}
	return &m, nil
}

func scanMatches(rows *sql.Rows) ([]*Match, error) {
	defer rows.Close()
	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Store reads and writes live_matches rows. Every method takes a Querier so
// it can run inside a caller's transaction.
type Store struct{}

// NewStore creates a match store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) get(ctx context.Context, q database.Querier, query, matchID string) (*Match, error) {
	m, err := scanMatch(q.QueryRowContext(ctx, query, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: get %s: %w", matchID, err)
	}
	return m, nil
}

// Get returns the match or nil if it does not exist.
func (s *Store) Get(ctx context.Context, q database.Querier, matchID string) (*Match, error) {
	return s.get(ctx, q, `SELECT `+matchColumns+` FROM live_matches WHERE id = $1`, matchID)
}

// GetForUpdate returns the match with its row locked until tx ends.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, matchID string) (*Match, error) {
	return s.get(ctx, tx, `SELECT `+matchColumns+` FROM live_matches WHERE id = $1 FOR UPDATE`, matchID)
}

// ActiveForUser returns the user's unresolved, unexpired match or nil.
func (s *Store) ActiveForUser(ctx context.Context, q database.Querier, userID string) (*Match, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+matchColumns+`
		FROM live_matches
		WHERE (user_a = $1 OR user_b = $1) AND `+openMatch+` AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1`, userID)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: active for %s: %w", userID, err)
	}
	return m, nil
}

// Insert stores a new match. Its expiry is the earliest of sessionsEnd and
// now plus ceiling; CreatedAt and ExpiresAt are filled in from the database.
func (s *Store) Insert(ctx context.Context, q database.Querier, m *Match, sessionsEnd time.Time, ceiling time.Duration) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO live_matches (id, user_a, user_b, session_a, session_b, expires_at)
		VALUES ($1, $2, $3, $4, $5, LEAST($6::timestamptz, now() + make_interval(secs => $7)))
		RETURNING created_at, expires_at`,
		m.ID, m.UserA, m.UserB, m.SessionA, m.SessionB, sessionsEnd, ceiling.Seconds()).
		Scan(&m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("matching: insert %s: %w", m.ID, err)
	}
	return nil
}

// MarkDeclined closes an unresolved match on behalf of by. It returns the
// updated match, or nil if the match was already resolved.
func (s *Store) MarkDeclined(ctx context.Context, q database.Querier, matchID, by string) (*Match, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE live_matches SET declined_by = $2, declined_at = now()
		WHERE id = $1 AND `+openMatch+`
		RETURNING `+matchColumns, matchID, by)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: decline %s: %w", matchID, err)
	}
	return m, nil
}

// ExpireOverdueForUsers closes the given users' unresolved matches whose
// expiry has passed and returns them.
func (s *Store) ExpireOverdueForUsers(ctx context.Context, q database.Querier, userIDs ...string) ([]*Match, error) {
	rows, err := q.QueryContext(ctx, `
		UPDATE live_matches SET declined_by = '`+DeclinedBySystem+`', declined_at = now()
		WHERE (user_a = ANY($1::uuid[]) OR user_b = ANY($1::uuid[])) AND `+openMatch+` AND expires_at <= now()
		RETURNING `+matchColumns, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("matching: expire overdue for %v: %w", userIDs, err)
	}
	out, err := scanMatches(rows)
	if err != nil {
		return nil, fmt.Errorf("matching: expire overdue for %v: %w", userIDs, err)
	}
	return out, nil
}

// ExpireOverdue closes every unresolved match whose expiry has passed and
// returns them.
func (s *Store) ExpireOverdue(ctx context.Context, q database.Querier) ([]*Match, error) {
	rows, err := q.QueryContext(ctx, `
		UPDATE live_matches SET declined_by = '`+DeclinedBySystem+`', declined_at = now()
		WHERE `+openMatch+` AND expires_at <= now()
		RETURNING `+matchColumns)
	if err != nil {
		return nil, fmt.Errorf("matching: expire overdue: %w", err)
	}
	out, err := scanMatches(rows)
	if err != nil {
		return nil, fmt.Errorf("matching: expire overdue: %w", err)
	}
	return out, nil
}
