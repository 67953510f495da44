// Package pgtest provides a migrated PostgreSQL database for integration
// tests. It uses LIVE_TEST_DATABASE_URL when set (run with -p 1 since
// packages then share one database), otherwise starts a disposable
// container once per test binary. Tests are skipped when neither works.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/whisper/live-match/internal/database"
)

var (
	once     sync.Once
	sharedDB *sql.DB
	openErr  error
)

// Open returns a migrated database with every live table emptied.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("LIVE_TEST_DATABASE_URL")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}

	once.Do(func() {
		sharedDB, openErr = open(dsn)
	})
	if openErr != nil {
		t.Skipf("skipping: PostgreSQL not available: %v", openErr)
	}

	truncate(t, sharedDB)
	return sharedDB
}

func open(dsn string) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if dsn == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("live"),
			tcpostgres.WithUsername("live"),
			tcpostgres.WithPassword("live"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			return nil, fmt.Errorf("start container: %w", err)
		}
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			return nil, fmt.Errorf("connection string: %w", err)
		}
	}

	cfg := database.DefaultConfig()
	cfg.URL = dsn
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE live_messages, messages, live_declines, live_matches,
		matches, live_sessions, user_blocks, profiles CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// Profile is a profile row fixture. Zero values get defaults in
// InsertProfile.
type Profile struct {
	UserID        string
	DisplayName   string
	Age           int
	Gender        string
	Seeking       string
	MinAge        int
	MaxAge        int
	MaxDistanceKm float64
}

// InsertProfile inserts p and returns its user id.
func InsertProfile(t *testing.T, db *sql.DB, p Profile) string {
	t.Helper()
	if p.UserID == "" {
		p.UserID = uuid.NewString()
	}
	if p.DisplayName == "" {
		p.DisplayName = "user-" + p.UserID[:8]
	}
	if p.Age == 0 {
		p.Age = 30
	}
	if p.Gender == "" {
		p.Gender = "woman"
	}
	if p.Seeking == "" {
		p.Seeking = "any"
	}
	if p.MinAge == 0 {
		p.MinAge = 18
	}
	if p.MaxAge == 0 {
		p.MaxAge = 99
	}
	if p.MaxDistanceKm == 0 {
		p.MaxDistanceKm = 25
	}

	// Birthday six months ago keeps the computed age stable around the test.
	birth := time.Now().AddDate(-p.Age, -6, 0)
	_, err := db.Exec(`
		INSERT INTO profiles (user_id, display_name, birth_date, gender, seeking, min_age, max_age, max_distance_km)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.UserID, p.DisplayName, birth, p.Gender, p.Seeking, p.MinAge, p.MaxAge, p.MaxDistanceKm)
	if err != nil {
		t.Fatalf("insert profile: %v", err)
	}
	return p.UserID
}

// Block records that blocker blocked blocked.
func Block(t *testing.T, db *sql.DB, blocker, blocked string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO user_blocks (blocker_id, blocked_id) VALUES ($1, $2)`, blocker, blocked); err != nil {
		t.Fatalf("insert block: %v", err)
	}
}

// Session is an open live_sessions row fixture. Raw and fuzzed location
// are the same.
type Session struct {
	UserID    string
	Lat, Lng  float64
	ExpiresIn time.Duration // defaults to 30 minutes
}

// InsertSession inserts an open session and returns its id.
func InsertSession(t *testing.T, db *sql.DB, s Session) string {
	t.Helper()
	if s.ExpiresIn == 0 {
		s.ExpiresIn = 30 * time.Minute
	}
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO live_sessions (id, user_id, expires_at, duration_minutes, raw_lat, raw_lng, fuzzed_lat, fuzzed_lng)
		VALUES ($1, $2, now() + make_interval(secs => $3), $4, $5, $6, $5, $6)`,
		id, s.UserID, s.ExpiresIn.Seconds(), int(s.ExpiresIn.Minutes()), s.Lat, s.Lng)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return id
}

// Match is an open live_matches row fixture between two sessions.
type Match struct {
	UserA, UserB       string
	SessionA, SessionB string
	ExpiresIn          time.Duration // defaults to 10 minutes
}

// InsertMatch inserts an unresolved match and returns its id.
func InsertMatch(t *testing.T, db *sql.DB, m Match) string {
	t.Helper()
	if m.ExpiresIn == 0 {
		m.ExpiresIn = 10 * time.Minute
	}
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO live_matches (id, user_a, user_b, session_a, session_b, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + make_interval(secs => $6))`,
		id, m.UserA, m.UserB, m.SessionA, m.SessionB, m.ExpiresIn.Seconds())
	if err != nil {
		t.Fatalf("insert match: %v", err)
	}
	return id
}

// LivePair inserts two profiles with open sessions and an open match
// between them. It returns the match id and both user ids.
func LivePair(t *testing.T, db *sql.DB) (matchID, userA, userB string) {
	t.Helper()
	userA = InsertProfile(t, db, Profile{})
	userB = InsertProfile(t, db, Profile{})
	sa := InsertSession(t, db, Session{UserID: userA})
	sb := InsertSession(t, db, Session{UserID: userB})
	matchID = InsertMatch(t, db, Match{UserA: userA, UserB: userB, SessionA: sa, SessionB: sb})
	return matchID, userA, userB
}
