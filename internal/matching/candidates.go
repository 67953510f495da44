package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/geo"
)

// Candidate is an eligible counterpart session for a seeker.
type Candidate struct {
	SessionID  string
	UserID     string
	DistanceKm float64
}

// QueryConfig holds the candidate filter constants.
type QueryConfig struct {
	ExpiryMargin     time.Duration // a candidate must stay active at least this long
	DeclineThreshold int           // declines after which a pair is excluded
}

// distanceSQL is the spherical law of cosines between the seeker (sk) and a
// candidate session (c) on fuzzed coordinates. The acos argument is clamped
// because rounding can push it just outside [-1, 1].
var distanceSQL = fmt.Sprintf(`%g * acos(LEAST(1, GREATEST(-1,
	sin(radians(sk.fuzzed_lat)) * sin(radians(c.fuzzed_lat)) +
	cos(radians(sk.fuzzed_lat)) * cos(radians(c.fuzzed_lat)) *
	cos(radians(c.fuzzed_lng - sk.fuzzed_lng)))))`, geo.EarthRadiusKm)

// seekerCTE loads the seeker's open session and preferences. $1 is the
// seeker's session id.
const seekerCTE = `
	seeker AS (
		SELECT s.id AS session_id, s.user_id, s.fuzzed_lat, s.fuzzed_lng,
		       p.gender, p.seeking, p.min_age, p.max_age, p.max_distance_km
		FROM live_sessions s
		JOIN profiles p ON p.user_id = s.user_id
		WHERE s.id = $1 AND s.ended_at IS NULL AND s.expires_at > now()
	)`

// notBlocked excludes blocks in either direction between sk and the
// relation aliased other.
func notBlocked(other string) string {
	return fmt.Sprintf(`
	NOT EXISTS (
		SELECT 1 FROM user_blocks b
		WHERE (b.blocker_id = sk.user_id AND b.blocked_id = %[1]s.user_id)
		   OR (b.blocker_id = %[1]s.user_id AND b.blocked_id = sk.user_id)
	)`, other)
}

// nearbyCTE lists the other open sessions with the fields the preference
// filters need. expiry bounds how long a candidate must stay active.
func nearbyCTE(expiry string) string {
	return `
	nearby AS (
		SELECT c.id AS session_id, c.user_id,
		       cp.gender, cp.seeking, cp.max_distance_km,
		       date_part('year', age(cp.birth_date))::int AS age,
		       ` + distanceSQL + ` AS distance_km
		FROM seeker sk
		JOIN live_sessions c ON c.user_id <> sk.user_id
		JOIN profiles cp ON cp.user_id = c.user_id
		WHERE c.ended_at IS NULL
		  AND c.expires_at > ` + expiry + `
	)`
}

// preferencesSQL holds the mutual preference and block filters between the
// seeker (sk) and a nearby session (n).
var preferencesSQL = `
	n.distance_km <= LEAST(sk.max_distance_km, n.max_distance_km)
	  AND (sk.seeking = 'any' OR sk.seeking = n.gender)
	  AND (n.seeking = 'any' OR n.seeking = sk.gender)
	  AND n.age BETWEEN sk.min_age AND sk.max_age
	  AND ` + notBlocked("n")

var candidatesQuery = `
	WITH ` + seekerCTE + `,` + nearbyCTE("now() + make_interval(secs => $2)") + `
	SELECT n.session_id, n.user_id, n.distance_km
	FROM nearby n, seeker sk
	WHERE ` + preferencesSQL + `
	  -- candidate is not already in an unresolved match
	  AND NOT EXISTS (
		SELECT 1 FROM live_matches m
		WHERE (m.user_a = n.user_id OR m.user_b = n.user_id)
		  AND m.declined_by IS NULL AND m.permanent_match_id IS NULL
		  AND m.expires_at > now()
	  )
	  -- these two sessions were never paired before
	  AND NOT EXISTS (
		SELECT 1 FROM live_matches m
		WHERE (m.session_a = sk.session_id AND m.session_b = n.session_id)
		   OR (m.session_a = n.session_id AND m.session_b = sk.session_id)
	  )
	  -- decline memory: excluded at the threshold, or declined in either current session
	  AND NOT EXISTS (
		SELECT 1 FROM live_declines d
		WHERE d.user_low = LEAST(sk.user_id, n.user_id)
		  AND d.user_high = GREATEST(sk.user_id, n.user_id)
		  AND (d.decline_count >= $3
		       OR d.last_session_low IN (sk.session_id, n.session_id)
		       OR d.last_session_high IN (sk.session_id, n.session_id))
	  )
	  -- already a permanent match
	  AND NOT EXISTS (
		SELECT 1 FROM matches pm
		WHERE LEAST(pm.user_a, pm.user_b) = LEAST(sk.user_id, n.user_id)
		  AND GREATEST(pm.user_a, pm.user_b) = GREATEST(sk.user_id, n.user_id)
	  )
	ORDER BY n.distance_km
	LIMIT $4`

// nearbyCountQuery counts sessions passing the preference filters. Pairing
// state (open matches, declines) is left out: those users are still live
// nearby.
var nearbyCountQuery = `
	WITH ` + seekerCTE + `,` + nearbyCTE("now()") + `
	SELECT count(*)
	FROM nearby n, seeker sk
	WHERE ` + preferencesSQL

// FindCandidates returns up to limit eligible sessions for the seeker's
// session, nearest first. An empty result is the normal "none found".
func FindCandidates(ctx context.Context, q database.Querier, config QueryConfig, seekerSessionID string, limit int) ([]Candidate, error) {
	rows, err := q.QueryContext(ctx, candidatesQuery,
		seekerSessionID, config.ExpiryMargin.Seconds(), config.DeclineThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("matching: candidates for %s: %w", seekerSessionID, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.SessionID, &c.UserID, &c.DistanceKm); err != nil {
			return nil, fmt.Errorf("matching: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("matching: candidates for %s: %w", seekerSessionID, err)
	}
	return out, nil
}

// FindCandidate returns the single nearest eligible session, or nil.
func FindCandidate(ctx context.Context, q database.Querier, config QueryConfig, seekerSessionID string) (*Candidate, error) {
	cs, err := FindCandidates(ctx, q, config, seekerSessionID, 1)
	if err != nil || len(cs) == 0 {
		return nil, err
	}
	return &cs[0], nil
}

// CountNearby counts other active sessions that satisfy the mutual
// distance, gender and age preferences and are not blocked either way.
func CountNearby(ctx context.Context, q database.Querier, seekerSessionID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, nearbyCountQuery, seekerSessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("matching: nearby count for %s: %w", seekerSessionID, err)
	}
	return max(n, 0), nil
}
