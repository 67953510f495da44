package matching

import (
	"context"
	"database/sql"
	"log"

	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/metrics"
	"github.com/whisper/live-match/internal/scheduler"
)

// Decline closes the match on behalf of userID, records the decline for the
// pair and sends both users back into matching. Declining a match that is
// already declined or expired is a no-op; a saved match cannot be declined.
func (s *Service) Decline(ctx context.Context, matchID, userID string) error {
	m, err := s.store.Get(ctx, s.db, matchID)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrMatchNotFound
	}
	if !m.Has(userID) {
		return ErrNotParticipant
	}

	// The timer goes first so it cannot re-close the match afterwards.
	if err := s.queue.Cancel(ctx, scheduler.MatchExpiryKey(matchID)); err != nil {
		log.Printf("[matcher] cancel auto-expiry %s: %v", matchID, err)
	}

	var declined *Match
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		locked, err := s.store.GetForUpdate(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrMatchNotFound
		}
		if locked.Converted() {
			return ErrMatchClosed
		}
		if locked.DeclinedBy != "" {
			return nil
		}

		declined, err = s.store.MarkDeclined(ctx, tx, matchID, userID)
		if err != nil || declined == nil {
			return err
		}

		partner := locked.Partner(userID)
		count, err := s.declines.RecordDecline(ctx, tx, userID, partner,
			locked.SessionOf(userID), locked.SessionOf(partner))
		if err != nil {
			return err
		}
		log.Printf("[matcher] match %s declined by user=%s (pair count %d)", matchID, userID, count)
		return nil
	})
	if err != nil {
		return err
	}
	if declined == nil {
		return nil
	}

	metrics.MatchOutcomes.WithLabelValues("declined").Inc()

	partner := declined.Partner(userID)
	s.notifier.Notify(partner, EventMatchDeclined, MatchClosedEvent{
		MatchID:  matchID,
		ClosedAt: closedAt(declined),
	})
	s.EnqueueAttempt(ctx, userID, s.config.DeclineAttemptDelay, "decline")
	s.EnqueueAttempt(ctx, partner, s.config.DeclineAttemptDelay, "decline")
	return nil
}
