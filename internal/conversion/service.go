// Package conversion turns a mutually saved ephemeral match into a
// permanent match, copying its conversation.
package conversion

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/matching"
	"github.com/whisper/live-match/internal/metrics"
	"github.com/whisper/live-match/internal/profile"
	"github.com/whisper/live-match/internal/scheduler"
)

// Result is the outcome of a save vote.
type Result struct {
	MutualSave       bool   `json:"mutual_save"`
	PermanentMatchID string `json:"permanent_match_id,omitempty"`
}

// Service records save votes and performs the conversion.
type Service struct {
	db       *sql.DB
	store    *matching.Store
	queue    scheduler.Queue
	notifier matching.Notifier
	cards    matching.CardSource
}

// NewService creates a conversion service.
func NewService(db *sql.DB, queue scheduler.Queue, notifier matching.Notifier, cards matching.CardSource) *Service {
	return &Service{
		db:       db,
		store:    matching.NewStore(),
		queue:    queue,
		notifier: notifier,
		cards:    cards,
	}
}

type message struct {
	senderID  string
	body      string
	createdAt time.Time
}

// Save records userID's vote to keep the match. When the partner has
// already voted the permanent match is created in the same transaction.
// Saving a converted match again returns the existing permanent id.
func (s *Service) Save(ctx context.Context, matchID, userID string) (*Result, error) {
	var (
		result     Result
		match      *matching.Match
		newVote    bool
		converted  bool
		copiedMsgs int
	)

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		m, err := s.store.GetForUpdate(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m == nil {
			return matching.ErrMatchNotFound
		}
		if !m.Has(userID) {
			return matching.ErrNotParticipant
		}
		match = m

		if m.Converted() {
			result = Result{MutualSave: true, PermanentMatchID: m.PermanentMatchID}
			return nil
		}
		if m.Status(time.Now()) != matching.StatusActive {
			return matching.ErrMatchClosed
		}

		if !m.SavedBy(userID) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE live_matches
				SET saved_a = saved_a OR user_a = $2,
				    saved_b = saved_b OR user_b = $2
				WHERE id = $1`, matchID, userID); err != nil {
				return fmt.Errorf("conversion: vote %s: %w", matchID, err)
			}
			newVote = true
		}

		if !m.SavedBy(m.Partner(userID)) {
			return nil
		}

		permanentID := uuid.NewString()
		copiedMsgs, err = convert(ctx, tx, m, permanentID)
		if err != nil {
			return err
		}
		result = Result{MutualSave: true, PermanentMatchID: permanentID}
		converted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case converted:
		s.converted(ctx, match, result.PermanentMatchID, copiedMsgs)
	case newVote:
		log.Printf("[conversion] match %s saved by user=%s", matchID, userID)
		partner := match.Partner(userID)
		s.notifier.Notify(partner, matching.EventPartnerSaved, matching.PartnerSavedEvent{
			MatchID:   matchID,
			SavedAt:   time.Now().UTC(),
			ExpiresAt: match.ExpiresAt,
			Partner:   s.card(ctx, userID),
		})
	}
	return &result, nil
}

// convert creates the permanent match, copies the ephemeral messages in
// order under fresh ids and links the ephemeral match to it.
func convert(ctx context.Context, tx *sql.Tx, m *matching.Match, permanentID string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matches (id, user_a, user_b, source, live_match_id)
		VALUES ($1, $2, $3, 'live', $4)`,
		permanentID, m.UserA, m.UserB, m.ID); err != nil {
		return 0, fmt.Errorf("conversion: create match for %s: %w", m.ID, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sender_id, body, created_at
		FROM live_messages
		WHERE live_match_id = $1
		ORDER BY created_at, id`, m.ID)
	if err != nil {
		return 0, fmt.Errorf("conversion: read messages of %s: %w", m.ID, err)
	}
	var msgs []message
	for rows.Next() {
		var msg message
		if err := rows.Scan(&msg.senderID, &msg.body, &msg.createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("conversion: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("conversion: read messages of %s: %w", m.ID, err)
	}

	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, match_id, sender_id, body, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), permanentID, msg.senderID, msg.body, msg.createdAt); err != nil {
			return 0, fmt.Errorf("conversion: copy message to %s: %w", permanentID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE live_matches SET permanent_match_id = $2, saved_a = true, saved_b = true
		WHERE id = $1`, m.ID, permanentID); err != nil {
		return 0, fmt.Errorf("conversion: link %s: %w", m.ID, err)
	}
	return len(msgs), nil
}

func (s *Service) converted(ctx context.Context, m *matching.Match, permanentID string, copied int) {
	metrics.MatchOutcomes.WithLabelValues("saved").Inc()
	log.Printf("[conversion] match %s converted to %s (%d messages)", m.ID, permanentID, copied)

	if err := s.queue.Cancel(ctx, scheduler.MatchExpiryKey(m.ID)); err != nil {
		log.Printf("[conversion] cancel auto-expiry %s: %v", m.ID, err)
	}

	now := time.Now().UTC()
	for _, userID := range []string{m.UserA, m.UserB} {
		s.notifier.Notify(userID, matching.EventMatchSaved, matching.MatchSavedEvent{
			MatchID:          m.ID,
			PermanentMatchID: permanentID,
			SavedAt:          now,
			Partner:          s.card(ctx, m.Partner(userID)),
		})
	}
}

func (s *Service) card(ctx context.Context, userID string) *profile.Card {
	c, err := s.cards.Card(ctx, userID)
	if err != nil {
		log.Printf("[conversion] card for user=%s: %v", userID, err)
		return nil
	}
	return c
}
