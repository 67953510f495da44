package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/live-match/internal/database"
)

// PairResult is the outcome of a successful TryPair.
type PairResult struct {
	Match *Match
	// Expired holds overdue matches of either participant that were closed
	// while the sessions were locked.
	Expired []*Match
}

// TryPair creates a match between the owners of two sessions. Both session
// rows are locked with SKIP LOCKED, so a concurrent attempt touching either
// session makes this one fail fast with ErrLockNotAcquired instead of
// waiting. Inside the lock both users are re-checked for an active match.
func TryPair(ctx context.Context, db *sql.DB, store *Store, seekerSessionID, candidateSessionID string, ceiling time.Duration) (*PairResult, error) {
	if seekerSessionID == candidateSessionID {
		return nil, fmt.Errorf("matching: pair: session %s with itself", seekerSessionID)
	}

	var result PairResult
	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		type locked struct {
			userID    string
			expiresAt time.Time
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, expires_at
			FROM live_sessions
			WHERE id = ANY($1::uuid[]) AND ended_at IS NULL AND expires_at > now()
			FOR UPDATE SKIP LOCKED`,
			pq.Array([]string{seekerSessionID, candidateSessionID}))
		if err != nil {
			return fmt.Errorf("matching: lock sessions: %w", err)
		}
		sessions := make(map[string]locked, 2)
		for rows.Next() {
			var id string
			var l locked
			if err := rows.Scan(&id, &l.userID, &l.expiresAt); err != nil {
				rows.Close()
				return fmt.Errorf("matching: scan locked session: %w", err)
			}
			sessions[id] = l
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("matching: lock sessions: %w", err)
		}
		if len(sessions) < 2 {
			return ErrLockNotAcquired
		}

		seeker, candidate := sessions[seekerSessionID], sessions[candidateSessionID]

		result.Expired, err = store.ExpireOverdueForUsers(ctx, tx, seeker.userID, candidate.userID)
		if err != nil {
			return err
		}

		for _, userID := range []string{seeker.userID, candidate.userID} {
			active, err := store.ActiveForUser(ctx, tx, userID)
			if err != nil {
				return err
			}
			if active != nil {
				return ErrAlreadyMatched
			}
		}

		sessionsEnd := seeker.expiresAt
		if candidate.expiresAt.Before(sessionsEnd) {
			sessionsEnd = candidate.expiresAt
		}

		m := &Match{
			ID:       uuid.NewString(),
			UserA:    seeker.userID,
			UserB:    candidate.userID,
			SessionA: seekerSessionID,
			SessionB: candidateSessionID,
		}
		if err := store.Insert(ctx, tx, m, sessionsEnd, ceiling); err != nil {
			return err
		}
		result.Match = m
		return nil
	})
	if database.IsUniqueViolation(err) {
		return nil, ErrAlreadyMatched
	}
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) || errors.Is(err, ErrAlreadyMatched) {
			return nil, err
		}
		return nil, fmt.Errorf("matching: pair %s/%s: %w", seekerSessionID, candidateSessionID, err)
	}
	return &result, nil
}
