// Package decline keeps the per-pair decline memory. A record is keyed by
// the unordered user pair; while its count is at or above the threshold the
// pair is kept apart, and once the record is purged the pair is eligible
// again.
package decline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/live-match/internal/database"
)

// Config holds decline memory settings.
type Config struct {
	Threshold int           // declines after which a pair is excluded
	Window    time.Duration // how long an excluded pair stays excluded
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Window:    24 * time.Hour,
	}
}

// Record is one row of decline memory.
type Record struct {
	UserLow         string
	UserHigh        string
	Count           int
	FirstDeclinedAt time.Time
	LastDeclinedAt  time.Time
}

// Store persists decline records in PostgreSQL.
type Store struct {
	db     *sql.DB
	config Config
}

// NewStore creates a decline store.
func NewStore(db *sql.DB, config Config) *Store {
	return &Store{db: db, config: config}
}

// Threshold returns the configured exclusion threshold.
func (s *Store) Threshold() int {
	return s.config.Threshold
}

// orderPair returns the two user ids and their session ids in key order.
func orderPair(userA, userB, sessionA, sessionB string) (lowUser, highUser, lowSession, highSession string) {
	if userA < userB {
		return userA, userB, sessionA, sessionB
	}
	return userB, userA, sessionB, sessionA
}

// RecordDecline upserts the record for (userID, counterpartID) and returns
// the new count. A record that had already reached the threshold starts
// over at 1. q may be a transaction so the decline commits together with
// the match update.
func (s *Store) RecordDecline(ctx context.Context, q database.Querier, userID, counterpartID, sessionID, counterpartSessionID string) (int, error) {
	if userID == counterpartID {
		return 0, fmt.Errorf("decline: record: user %s cannot decline themselves", userID)
	}
	low, high, lowSession, highSession := orderPair(userID, counterpartID, sessionID, counterpartSessionID)

	const query = `
		INSERT INTO live_declines (user_low, user_high, decline_count, last_session_low, last_session_high)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (user_low, user_high) DO UPDATE SET
			decline_count = CASE WHEN live_declines.decline_count >= $5 THEN 1
			                     ELSE live_declines.decline_count + 1 END,
			first_declined_at = CASE WHEN live_declines.decline_count >= $5 THEN now()
			                         ELSE live_declines.first_declined_at END,
			last_declined_at = now(),
			last_session_low = EXCLUDED.last_session_low,
			last_session_high = EXCLUDED.last_session_high
		RETURNING decline_count`

	var count int
	err := q.QueryRowContext(ctx, query, low, high, lowSession, highSession, s.config.Threshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("decline: record %s/%s: %w", low, high, err)
	}
	return count, nil
}

// Get returns the record for the pair, or nil if the pair has none.
func (s *Store) Get(ctx context.Context, userA, userB string) (*Record, error) {
	low, high, _, _ := orderPair(userA, userB, "", "")

	var r Record
	err := s.db.QueryRowContext(ctx, `
		SELECT user_low, user_high, decline_count, first_declined_at, last_declined_at
		FROM live_declines
		WHERE user_low = $1 AND user_high = $2`, low, high).
		Scan(&r.UserLow, &r.UserHigh, &r.Count, &r.FirstDeclinedAt, &r.LastDeclinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decline: get %s/%s: %w", low, high, err)
	}
	return &r, nil
}

// PurgeExpired deletes every record that reached the threshold and whose
// last decline is older than the window. It returns the number removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM live_declines
		WHERE decline_count >= $1
		  AND last_declined_at < now() - make_interval(secs => $2)`,
		s.config.Threshold, s.config.Window.Seconds())
	if err != nil {
		return 0, fmt.Errorf("decline: purge: %w", err)
	}
	return res.RowsAffected()
}
