package matching

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

const sweepLockKey = "sweep"

// sweepLoop periodically attempts a match for every active session that
// has none.
func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] sweep loop stopped")
			return
		case <-ticker.C:
			s.sweep(s.ctx)
		}
	}
}

// sweep runs one pass. The leader lock is left to expire so only one
// instance sweeps per tick. It lives for most of an interval but must be
// gone by the next tick, which can fire sooner after the lock was taken
// than this one did.
func (s *Service) sweep(ctx context.Context) {
	ok, err := s.locker.TryLock(ctx, sweepLockKey, uuid.NewString(), s.config.SweepInterval*9/10)
	if err != nil {
		log.Printf("[matcher] sweep lock: %v", err)
		return
	}
	if !ok {
		return
	}

	users, err := s.unmatchedUsers(ctx)
	if err != nil {
		log.Printf("[matcher] sweep: %v", err)
		return
	}

	matched := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		m, err := s.Attempt(ctx, userID)
		if err != nil {
			log.Printf("[matcher] sweep attempt user=%s: %v", userID, err)
			continue
		}
		if m != nil {
			matched++
		}
	}

	if matched > 0 {
		log.Printf("[matcher] sweep: %d matches from %d waiting sessions", matched, len(users))
	}
}

// unmatchedUsers lists owners of active sessions without an active match,
// longest waiting first.
func (s *Service) unmatchedUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.user_id
		FROM live_sessions s
		WHERE s.ended_at IS NULL AND s.expires_at > now()
		  AND NOT EXISTS (
			SELECT 1 FROM live_matches m
			WHERE (m.user_a = s.user_id OR m.user_b = s.user_id)
			  AND `+openMatch+` AND m.expires_at > now()
		  )
		ORDER BY s.started_at
		LIMIT $1`, s.config.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("matching: unmatched users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("matching: unmatched users: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// cleanupLoop closes overdue sessions and matches whose timers were lost
// and purges decline records whose exclusion window has passed.
func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			s.cleanup(s.ctx)
		}
	}
}

func (s *Service) cleanup(ctx context.Context) {
	if n, err := s.sessions.ExpireOverdue(ctx); err != nil {
		log.Printf("[matcher] cleanup sessions: %v", err)
	} else if n > 0 {
		log.Printf("[matcher] cleanup: closed %d overdue sessions", n)
	}

	expired, err := s.store.ExpireOverdue(ctx, s.db)
	if err != nil {
		log.Printf("[matcher] cleanup matches: %v", err)
	} else {
		s.closeExpired(ctx, expired)
	}

	if n, err := s.declines.PurgeExpired(ctx); err != nil {
		log.Printf("[matcher] cleanup declines: %v", err)
	} else if n > 0 {
		log.Printf("[matcher] cleanup: purged %d decline records", n)
	}
}
