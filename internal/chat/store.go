// Package chat carries the conversation inside an ephemeral match. Messages
// are kept in PostgreSQL so a mutual save can copy them into the permanent
// match.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/matching"
)

// Message is one live chat message.
type Message struct {
	ID        string    `json:"id"`
	MatchID   string    `json:"match_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages live chat messages.
type Store struct {
	db       *sql.DB
	matches  *matching.Store
	notifier matching.Notifier
}

// NewStore creates a chat store.
func NewStore(db *sql.DB, notifier matching.Notifier) *Store {
	return &Store{
		db:       db,
		matches:  matching.NewStore(),
		notifier: notifier,
	}
}

func (s *Store) participantMatch(ctx context.Context, matchID, userID string) (*matching.Match, error) {
	m, err := s.matches.Get(ctx, s.db, matchID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, matching.ErrMatchNotFound
	}
	if !m.Has(userID) {
		return nil, matching.ErrNotParticipant
	}
	return m, nil
}

// Send stores a message from userID on an active match and forwards it to
// the partner.
func (s *Store) Send(ctx context.Context, matchID, userID, text string) (*Message, error) {
	if err := ValidateMessage(text); err != nil {
		return nil, err
	}
	m, err := s.participantMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:       uuid.NewString(),
		MatchID:  matchID,
		SenderID: userID,
		Body:     text,
	}

	// FOR SHARE orders the insert against a concurrent conversion holding
	// the match row FOR UPDATE.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO live_messages (id, live_match_id, sender_id, body)
		SELECT $1::uuid, m.id, $3::uuid, $4::text
		FROM live_matches m
		WHERE m.id = $2
		  AND m.declined_by IS NULL AND m.permanent_match_id IS NULL
		  AND m.expires_at > now()
		FOR SHARE
		RETURNING created_at`,
		msg.ID, matchID, userID, text).Scan(&msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, matching.ErrMatchClosed
	}
	if err != nil {
		return nil, fmt.Errorf("chat: send on %s: %w", matchID, err)
	}

	s.notifier.Notify(m.Partner(userID), matching.EventMatchMessage, MessageEvent{
		MatchID:   matchID,
		MessageID: msg.ID,
		From:      userID,
		Text:      text,
		CreatedAt: msg.CreatedAt,
	})
	log.Printf("[chat] message %s on match=%s from user=%s", msg.ID, matchID, userID)
	return msg, nil
}

// List returns the match's messages in the order they were sent. Either
// participant may read them in any match state.
func (s *Store) List(ctx context.Context, matchID, userID string) ([]Message, error) {
	if _, err := s.participantMatch(ctx, matchID, userID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, live_match_id, sender_id, body, created_at
		FROM live_messages
		WHERE live_match_id = $1
		ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("chat: list %s: %w", matchID, err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.MatchID, &msg.SenderID, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
