package matching

import (
	"time"

	"github.com/whisper/live-match/internal/profile"
)

// Event types delivered to participants through the Notifier.
const (
	EventMatchCreated  = "match_created"
	EventMatchDeclined = "match_declined"
	EventMatchExpired  = "match_expired"
	EventPartnerSaved  = "partner_saved"
	EventMatchSaved    = "match_saved"
	EventMatchMessage  = "match_message"
)

// Notifier delivers an event to one user. Delivery is best effort.
type Notifier interface {
	Notify(userID, eventType string, payload any)
}

// MatchCreatedEvent is sent to each participant when a match is made.
type MatchCreatedEvent struct {
	MatchID    string        `json:"match_id"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	DistanceKm float64       `json:"distance_km"`
	Partner    *profile.Card `json:"partner,omitempty"`
}

// MatchClosedEvent is sent for match_declined and match_expired.
type MatchClosedEvent struct {
	MatchID  string    `json:"match_id"`
	ClosedAt time.Time `json:"closed_at"`
}

// PartnerSavedEvent tells a participant the other side wants to keep the
// match.
type PartnerSavedEvent struct {
	MatchID   string        `json:"match_id"`
	SavedAt   time.Time     `json:"saved_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Partner   *profile.Card `json:"partner,omitempty"`
}

// MatchSavedEvent is sent to both participants on conversion.
type MatchSavedEvent struct {
	MatchID          string        `json:"match_id"`
	PermanentMatchID string        `json:"permanent_match_id"`
	SavedAt          time.Time     `json:"saved_at"`
	Partner          *profile.Card `json:"partner,omitempty"`
}

func closedAt(m *Match) time.Time {
	if m.DeclinedAt != nil {
		return *m.DeclinedAt
	}
	return time.Now()
}
