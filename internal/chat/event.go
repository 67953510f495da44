package chat

import "time"

// MessageEvent is the match_message payload sent to the recipient of a
// live chat message.
type MessageEvent struct {
	MatchID   string    `json:"match_id"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"` // sender's user id
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
