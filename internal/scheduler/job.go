// Package scheduler provides the delayed-task queue behind session expiry,
// match auto-expiry and deferred matching attempts. Tasks are keyed by a
// deterministic string derived from the owning entity so a manual action can
// always find and cancel its pending task. Storage is Redis:
//
//	Key:   live:tasks:due      sorted set, member = task key, score = run-at (ms)
//	Key:   live:tasks:payload  hash, field = task key, value = job envelope
package scheduler

import (
	"encoding/json"
	"fmt"
)

// Job kinds. They are the discriminator in the stored envelope.
const (
	KindSessionExpiry   = "session_expiry"
	KindMatchAutoExpiry = "match_auto_expiry"
	KindMatchAttempt    = "match_attempt"
)

// Job is one of SessionExpiry, MatchAutoExpiry or MatchAttempt.
type Job interface {
	Kind() string
}

// SessionExpiry ends a session once its expiry time has passed.
type SessionExpiry struct {
	SessionID string `json:"session_id"`
}

// MatchAutoExpiry declines a match on behalf of the system if nobody
// answered it in time.
type MatchAutoExpiry struct {
	MatchID string `json:"match_id"`
}

// MatchAttempt runs one candidate search + pairing for a user.
type MatchAttempt struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"` // session_start, decline, auto_expiry
}

func (SessionExpiry) Kind() string   { return KindSessionExpiry }
func (MatchAutoExpiry) Kind() string { return KindMatchAutoExpiry }
func (MatchAttempt) Kind() string    { return KindMatchAttempt }

// SessionExpiryKey is the task key for a session's expiry timer.
func SessionExpiryKey(sessionID string) string { return "session-expiry:" + sessionID }

// MatchExpiryKey is the task key for a match's auto-expiry timer.
func MatchExpiryKey(matchID string) string { return "match-expiry:" + matchID }

// MatchAttemptKey is the task key for a user's pending matching attempt.
// One key per user means overlapping requests collapse into one task.
func MatchAttemptKey(userID string) string { return "match-attempt:" + userID }

// envelope is the stored form of a Job.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serialises a job into its tagged envelope.
func Encode(job Job) ([]byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal %s: %w", job.Kind(), err)
	}
	return json.Marshal(envelope{Type: job.Kind(), Payload: payload})
}

// Decode parses a stored envelope back into its concrete job type.
func Decode(data []byte) (Job, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("scheduler: unmarshal envelope: %w", err)
	}

	switch env.Type {
	case KindSessionExpiry:
		var j SessionExpiry
		if err := json.Unmarshal(env.Payload, &j); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal %s: %w", env.Type, err)
		}
		return j, nil
	case KindMatchAutoExpiry:
		var j MatchAutoExpiry
		if err := json.Unmarshal(env.Payload, &j); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal %s: %w", env.Type, err)
		}
		return j, nil
	case KindMatchAttempt:
		var j MatchAttempt
		if err := json.Unmarshal(env.Payload, &j); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal %s: %w", env.Type, err)
		}
		return j, nil
	case "":
		return nil, fmt.Errorf("scheduler: missing or empty \"type\" field")
	default:
		return nil, fmt.Errorf("scheduler: unknown job type %q", env.Type)
	}
}
