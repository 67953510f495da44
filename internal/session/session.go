// Package session manages live sessions: the time-boxed window during which
// a user is eligible for matching. Sessions live in PostgreSQL; their expiry
// timers live in the delayed-task queue.
package session

import (
	"errors"
	"time"

	"github.com/whisper/live-match/internal/geo"
)

// State constants for the session state machine. Ended and Expired are
// terminal.
const (
	StateActive  = "active"
	StateEnded   = "ended"
	StateExpired = "expired"
)

var (
	ErrAlreadyActive   = errors.New("session: user already has an active session")
	ErrProfileRequired = errors.New("session: profile required")
	ErrNotFound        = errors.New("session: not found")
	ErrForbidden       = errors.New("session: not the session owner")
	ErrNotActive       = errors.New("session: session is not active")
	ErrInvalidDuration = errors.New("session: invalid duration")
	ErrInvalidLocation = errors.New("session: invalid location")
)

// Session is one row of live_sessions.
type Session struct {
	ID              string     `json:"session_id"`
	UserID          string     `json:"user_id"`
	StartedAt       time.Time  `json:"started_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Raw             geo.Point  `json:"-"`
	Fuzzed          geo.Point  `json:"-"`
}

// State reports the session state at now.
func (s *Session) State(now time.Time) string {
	switch {
	case s.EndedAt != nil && !s.EndedAt.Before(s.ExpiresAt):
		return StateExpired
	case s.EndedAt != nil:
		return StateEnded
	case !now.Before(s.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

// Active reports whether the session is still open at now.
func (s *Session) Active(now time.Time) bool {
	return s.State(now) == StateActive
}
