package matching

import (
	"context"
	"time"

	"github.com/whisper/live-match/internal/geo"
	"github.com/whisper/live-match/internal/profile"
)

// View is a participant's picture of their current match.
type View struct {
	MatchID      string        `json:"match_id"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	DistanceKm   float64       `json:"distance_km"`
	Partner      *profile.Card `json:"partner,omitempty"`
	YouSaved     bool          `json:"you_saved"`
	PartnerSaved bool          `json:"partner_saved"`
}

// CurrentMatch returns the user's active match, or nil while searching.
func (s *Service) CurrentMatch(ctx context.Context, userID string) (*View, error) {
	m, err := s.store.ActiveForUser(ctx, s.db, userID)
	if err != nil || m == nil {
		return nil, err
	}

	partner := m.Partner(userID)
	v := &View{
		MatchID:      m.ID,
		Status:       m.Status(time.Now()),
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		Partner:      s.card(ctx, partner),
		YouSaved:     m.SavedBy(userID),
		PartnerSaved: m.SavedBy(partner),
	}

	mine, err := s.sessions.Get(ctx, m.SessionOf(userID))
	if err != nil {
		return nil, err
	}
	theirs, err := s.sessions.Get(ctx, m.SessionOf(partner))
	if err != nil {
		return nil, err
	}
	if mine != nil && theirs != nil {
		v.DistanceKm = roundKm(geo.DistanceKm(mine.Fuzzed, theirs.Fuzzed))
	}
	return v, nil
}

// NearbyCount returns how many other users are live within the user's
// distance preference. Zero if the user has no active session.
func (s *Service) NearbyCount(ctx context.Context, userID string) (int, error) {
	sess, err := s.sessions.ActiveForUser(ctx, s.db, userID)
	if err != nil || sess == nil {
		return 0, err
	}
	return CountNearby(ctx, s.db, sess.ID)
}
