package matching

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/live-match/internal/decline"
	"github.com/whisper/live-match/internal/profile"
	"github.com/whisper/live-match/internal/scheduler"
	"github.com/whisper/live-match/internal/scheduler/schedulertest"
	"github.com/whisper/live-match/internal/testutil/pgtest"
)

// kmPerDegreeLat is the length of one degree of latitude on the sphere
// used by the distance formula.
const kmPerDegreeLat = 111.19492664455873

const baseLat, baseLng = 48.8566, 2.3522

type sentEvent struct {
	UserID  string
	Type    string
	Payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recordingNotifier) Notify(userID, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{userID, eventType, payload})
}

func (r *recordingNotifier) ofType(eventType string) []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	db       *sql.DB
	svc      *Service
	queue    *schedulertest.Queue
	notifier *recordingNotifier
	declines *decline.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := pgtest.Open(t)
	h := &harness{
		db:       db,
		queue:    schedulertest.New(),
		notifier: &recordingNotifier{},
		declines: decline.NewStore(db, decline.DefaultConfig()),
	}
	h.svc = NewService(db, h.declines, h.queue, scheduler.NoopLocker{}, h.notifier,
		profile.NewStore(db), DefaultConfig())
	t.Cleanup(h.svc.Stop)
	return h
}

// liveUser inserts a profile and an open session kmNorth of the base point.
func (h *harness) liveUser(t *testing.T, p pgtest.Profile, kmNorth float64) (userID, sessionID string) {
	t.Helper()
	userID = pgtest.InsertProfile(t, h.db, p)
	sessionID = pgtest.InsertSession(t, h.db, pgtest.Session{
		UserID: userID,
		Lat:    baseLat + kmNorth/kmPerDegreeLat,
		Lng:    baseLng,
	})
	return userID, sessionID
}

func (h *harness) newSession(t *testing.T, userID string) string {
	t.Helper()
	_, err := h.db.Exec(`UPDATE live_sessions SET ended_at = now() WHERE user_id = $1 AND ended_at IS NULL`, userID)
	require.NoError(t, err)
	return pgtest.InsertSession(t, h.db, pgtest.Session{UserID: userID, Lat: baseLat, Lng: baseLng})
}

func (h *harness) candidates(t *testing.T, sessionID string) []Candidate {
	t.Helper()
	cs, err := FindCandidates(context.Background(), h.db, h.svc.queryConfig(), sessionID, 10)
	require.NoError(t, err)
	return cs
}

func candidateUsers(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.UserID
	}
	return out
}

func TestFindCandidates_DistanceThreshold(t *testing.T) {
	h := newHarness(t)

	_, seeker := h.liveUser(t, pgtest.Profile{MaxDistanceKm: 10}, 0)
	far, _ := h.liveUser(t, pgtest.Profile{}, 12)
	assert.Empty(t, h.candidates(t, seeker), "12 km is outside a 10 km preference")

	near, _ := h.liveUser(t, pgtest.Profile{}, 9.9)
	cs := h.candidates(t, seeker)
	require.Len(t, cs, 1)
	assert.Equal(t, near, cs[0].UserID)
	assert.InDelta(t, 9.9, cs[0].DistanceKm, 0.05)
	assert.NotContains(t, candidateUsers(cs), far)
}

func TestFindCandidates_NearestFirstAndWiderRadiusKeepsResults(t *testing.T) {
	h := newHarness(t)

	seekerUser, seeker := h.liveUser(t, pgtest.Profile{MaxDistanceKm: 10}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{}, 6)
	c, _ := h.liveUser(t, pgtest.Profile{}, 2)

	before := candidateUsers(h.candidates(t, seeker))
	assert.Equal(t, []string{c, b}, before)

	_, err := h.db.Exec(`UPDATE profiles SET max_distance_km = 50 WHERE user_id = $1`, seekerUser)
	require.NoError(t, err)
	after := candidateUsers(h.candidates(t, seeker))
	assert.Subset(t, after, before)
}

func TestFindCandidates_PreferenceFilters(t *testing.T) {
	h := newHarness(t)

	seekerUser, seeker := h.liveUser(t, pgtest.Profile{Gender: "woman", Seeking: "man", MinAge: 25, MaxAge: 35}, 0)

	ok, _ := h.liveUser(t, pgtest.Profile{Gender: "man", Seeking: "woman", Age: 30}, 1)
	wrongGender, _ := h.liveUser(t, pgtest.Profile{Gender: "woman", Seeking: "any", Age: 30}, 1)
	notSeekingSeeker, _ := h.liveUser(t, pgtest.Profile{Gender: "man", Seeking: "man", Age: 30}, 1)
	tooOld, _ := h.liveUser(t, pgtest.Profile{Gender: "man", Seeking: "any", Age: 40}, 1)
	blockedBySeeker, _ := h.liveUser(t, pgtest.Profile{Gender: "man", Age: 30}, 1)
	blockedSeeker, _ := h.liveUser(t, pgtest.Profile{Gender: "man", Age: 30}, 1)
	shortDistance, _ := h.liveUser(t, pgtest.Profile{Gender: "man", Age: 30, MaxDistanceKm: 0.5}, 1)

	pgtest.Block(t, h.db, seekerUser, blockedBySeeker)
	pgtest.Block(t, h.db, blockedSeeker, seekerUser)

	leaving := pgtest.InsertProfile(t, h.db, pgtest.Profile{Gender: "man", Age: 30})
	pgtest.InsertSession(t, h.db, pgtest.Session{UserID: leaving, Lat: baseLat, Lng: baseLng, ExpiresIn: time.Minute})

	got := candidateUsers(h.candidates(t, seeker))
	assert.Equal(t, []string{ok}, got)
	for _, excluded := range []string{wrongGender, notSeekingSeeker, tooOld, blockedBySeeker, blockedSeeker, shortDistance, leaving} {
		assert.NotContains(t, got, excluded)
	}
}

func TestFindCandidates_InactiveSeekerFindsNothing(t *testing.T) {
	h := newHarness(t)
	_, seeker := h.liveUser(t, pgtest.Profile{}, 0)
	h.liveUser(t, pgtest.Profile{}, 1)

	_, err := h.db.Exec(`UPDATE live_sessions SET ended_at = now() WHERE id = $1`, seeker)
	require.NoError(t, err)
	assert.Empty(t, h.candidates(t, seeker))
}

func TestAttempt_CreatesMatchAndArmsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.liveUser(t, pgtest.Profile{DisplayName: "Ana"}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{DisplayName: "Ben"}, 3)

	m, err := h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.ElementsMatch(t, []string{a, b}, []string{m.UserA, m.UserB})
	assert.WithinDuration(t, m.CreatedAt.Add(10*time.Minute), m.ExpiresAt, time.Second)

	entry, ok := h.queue.Get(scheduler.MatchExpiryKey(m.ID))
	require.True(t, ok)
	assert.Equal(t, scheduler.MatchAutoExpiry{MatchID: m.ID}, entry.Job)
	assert.InDelta(t, (5 * time.Minute).Seconds(), entry.Delay.Seconds(), 2)

	created := h.notifier.ofType(EventMatchCreated)
	require.Len(t, created, 2)
	for _, ev := range created {
		payload := ev.Payload.(MatchCreatedEvent)
		assert.Equal(t, m.ID, payload.MatchID)
		require.NotNil(t, payload.Partner)
		assert.NotEqual(t, ev.UserID, payload.Partner.UserID)
		assert.InDelta(t, 3.0, payload.DistanceKm, 0.1)
	}

	again, err := h.svc.Attempt(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, again, "b is already matched")
}

func TestAttempt_MatchExpiryBoundedBySessions(t *testing.T) {
	h := newHarness(t)
	a := pgtest.InsertProfile(t, h.db, pgtest.Profile{})
	pgtest.InsertSession(t, h.db, pgtest.Session{UserID: a, Lat: baseLat, Lng: baseLng, ExpiresIn: 4 * time.Minute})
	h.liveUser(t, pgtest.Profile{}, 1)

	m, err := h.svc.Attempt(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.WithinDuration(t, time.Now().Add(4*time.Minute), m.ExpiresAt, 5*time.Second)

	entry, ok := h.queue.Get(scheduler.MatchExpiryKey(m.ID))
	require.True(t, ok)
	assert.Less(t, entry.Delay, 4*time.Minute+time.Second)
}

func TestAttempt_ConcurrentBothDirectionsCreateOneMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.liveUser(t, pgtest.Profile{}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{}, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, u := range []string{a, b} {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, err := h.svc.Attempt(ctx, userID)
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	var n int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM live_matches`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestAttempt_ConcurrentCrowdKeepsOneActiveMatchPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var users []string
	for i := 0; i < 9; i++ {
		u, _ := h.liveUser(t, pgtest.Profile{}, float64(i)*0.3)
		users = append(users, u)
	}

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, u := range users {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, err := h.svc.Attempt(ctx, userID)
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	// Attempts that lost every lock race are picked up by the sweep.
	h.svc.sweep(ctx)

	rows, err := h.db.Query(`
		SELECT u, count(*) FROM (
			SELECT user_a AS u FROM live_matches WHERE declined_by IS NULL
			UNION ALL
			SELECT user_b FROM live_matches WHERE declined_by IS NULL
		) x GROUP BY u`)
	require.NoError(t, err)
	defer rows.Close()
	matchedUsers := 0
	for rows.Next() {
		var u string
		var c int
		require.NoError(t, rows.Scan(&u, &c))
		assert.Equal(t, 1, c, "user %s has %d active matches", u, c)
		matchedUsers++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 8, matchedUsers, "nine users nearby pair into four matches")
}

func TestTryPair_LockedSessionIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, sa := h.liveUser(t, pgtest.Profile{}, 0)
	_, sb := h.liveUser(t, pgtest.Profile{}, 1)

	tx, err := h.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Exec(`SELECT 1 FROM live_sessions WHERE id = $1 FOR UPDATE`, sb)
	require.NoError(t, err)

	_, err = TryPair(ctx, h.db, h.svc.Store(), sa, sb, 10*time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestTryPair_ExpiresOverdueMatchFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, sa := h.liveUser(t, pgtest.Profile{}, 0)
	b, sb := h.liveUser(t, pgtest.Profile{}, 1)
	_, sc := h.liveUser(t, pgtest.Profile{}, 2)

	_, err := h.db.Exec(`
		INSERT INTO live_matches (id, user_a, user_b, session_a, session_b, created_at, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now() - interval '11 minutes', now() - interval '1 minute')`,
		a, b, sa, sb)
	require.NoError(t, err)

	res, err := TryPair(ctx, h.db, h.svc.Store(), sa, sc, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, DeclinedBySystem, res.Expired[0].DeclinedBy)
	assert.Equal(t, a, res.Match.UserA)
}

func TestDecline_RecordsAndRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.liveUser(t, pgtest.Profile{}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{}, 1)
	outsider, _ := h.liveUser(t, pgtest.Profile{}, 50)

	m, err := h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.ErrorIs(t, h.svc.Decline(ctx, m.ID, outsider), ErrNotParticipant)
	assert.ErrorIs(t, h.svc.Decline(ctx, "00000000-0000-0000-0000-0000000000ff", a), ErrMatchNotFound)

	require.NoError(t, h.svc.Decline(ctx, m.ID, b))
	require.NoError(t, h.svc.Decline(ctx, m.ID, a), "second decline is a no-op")

	_, pending := h.queue.Get(scheduler.MatchExpiryKey(m.ID))
	assert.False(t, pending, "auto-expiry timer must be cancelled")

	got, err := h.svc.Store().Get(ctx, h.db, m.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got.DeclinedBy)
	assert.Equal(t, StatusDeclined, got.Status(time.Now()))

	rec, err := h.declines.Get(ctx, a, b)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Count)

	declined := h.notifier.ofType(EventMatchDeclined)
	require.Len(t, declined, 1)
	assert.Equal(t, a, declined[0].UserID)

	for _, u := range []string{a, b} {
		entry, ok := h.queue.Get(scheduler.MatchAttemptKey(u))
		require.True(t, ok, "attempt for %s", u)
		assert.Equal(t, 30*time.Second, entry.Delay)
		assert.Equal(t, "decline", entry.Job.(scheduler.MatchAttempt).Reason)
	}

	// Same sessions are never proposed again.
	again, err := h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, again)

	// Auto-expiry after a decline changes nothing.
	require.NoError(t, h.svc.HandleAutoExpiry(ctx, scheduler.MatchAutoExpiry{MatchID: m.ID}))
	got, err = h.svc.Store().Get(ctx, h.db, m.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got.DeclinedBy)
	assert.Empty(t, h.notifier.ofType(EventMatchExpired))
}

func TestDecline_ThreeTimesExcludesPairUntilPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.liveUser(t, pgtest.Profile{}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{}, 1)

	for i := 1; i <= 3; i++ {
		m, err := h.svc.Attempt(ctx, a)
		require.NoError(t, err)
		require.NotNil(t, m, "attempt %d should pair a and b", i)
		require.NoError(t, h.svc.Decline(ctx, m.ID, a))

		rec, err := h.declines.Get(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, i, rec.Count)

		h.newSession(t, a)
		h.newSession(t, b)
	}

	m, err := h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, m, "fourth attempt must not pair a and b")

	_, err = h.db.Exec(`UPDATE live_declines SET last_declined_at = now() - interval '25 hours'`)
	require.NoError(t, err)
	n, err := h.declines.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	m, err = h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	assert.NotNil(t, m, "pair is eligible again after purge")
}

func TestHandleAutoExpiry_ClosesAndRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.liveUser(t, pgtest.Profile{}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{}, 1)

	m, err := h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, m)
	h.queue.Take(scheduler.MatchExpiryKey(m.ID))

	require.NoError(t, h.svc.HandleAutoExpiry(ctx, scheduler.MatchAutoExpiry{MatchID: m.ID}))

	got, err := h.svc.Store().Get(ctx, h.db, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status(time.Now()))

	expired := h.notifier.ofType(EventMatchExpired)
	require.Len(t, expired, 2)
	assert.ElementsMatch(t, []string{a, b}, []string{expired[0].UserID, expired[1].UserID})

	entry, ok := h.queue.Get(scheduler.MatchAttemptKey(b))
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, entry.Delay)

	rec, err := h.declines.Get(ctx, a, b)
	require.NoError(t, err)
	assert.Nil(t, rec, "auto-expiry is not a user decline")

	view, err := h.svc.CurrentMatch(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, view, "searching again")
}

func TestCurrentMatchAndNearbyCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.liveUser(t, pgtest.Profile{MaxAge: 40}, 0)
	b, _ := h.liveUser(t, pgtest.Profile{DisplayName: "Bea", Age: 28}, 2)
	c, _ := h.liveUser(t, pgtest.Profile{}, 4)
	h.liveUser(t, pgtest.Profile{}, 80)
	h.liveUser(t, pgtest.Profile{Seeking: "man"}, 1)
	h.liveUser(t, pgtest.Profile{Age: 50}, 3)
	pgtest.Block(t, h.db, c, a)

	n, err := h.svc.NearbyCount(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only b: c blocked a, one user is too far, one seeks men and one is over a's age range")

	idle := pgtest.InsertProfile(t, h.db, pgtest.Profile{})
	n, err = h.svc.NearbyCount(ctx, idle)
	require.NoError(t, err)
	assert.Zero(t, n)

	view, err := h.svc.CurrentMatch(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, view)

	m, err := h.svc.Attempt(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, m)

	view, err = h.svc.CurrentMatch(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, m.ID, view.MatchID)
	assert.Equal(t, StatusActive, view.Status)
	assert.InDelta(t, 2.0, view.DistanceKm, 0.1)
	require.NotNil(t, view.Partner)
	assert.Equal(t, b, view.Partner.UserID)
	assert.Equal(t, "Bea", view.Partner.DisplayName)
	assert.Equal(t, 28, view.Partner.Age)
	assert.False(t, view.YouSaved)
}

func TestEnqueueAttempt_CollapsesPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.EnqueueAttempt(ctx, "user-1", 15*time.Second, "session_start")
	h.svc.EnqueueAttempt(ctx, "user-1", 30*time.Second, "decline")

	entry, ok := h.queue.Get(scheduler.MatchAttemptKey("user-1"))
	require.True(t, ok)
	job := entry.Job.(scheduler.MatchAttempt)
	assert.Equal(t, "session_start", job.Reason, "the first request wins")
}

func pendingAttempts(s *Service) int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func TestEnqueueAttempt_WithoutQueueCollapsesAndStops(t *testing.T) {
	svc := NewService(nil, nil, scheduler.Disabled{}, scheduler.NoopLocker{}, &recordingNotifier{},
		nil, DefaultConfig())
	ctx := context.Background()

	svc.EnqueueAttempt(ctx, "user-1", time.Hour, "session_start")
	svc.EnqueueAttempt(ctx, "user-1", time.Hour, "decline")
	svc.EnqueueAttempt(ctx, "user-2", time.Hour, "decline")
	assert.Equal(t, 2, pendingAttempts(svc), "one in-process attempt per user")

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited on attempts that had not fired")
	}
	assert.Zero(t, pendingAttempts(svc))

	svc.EnqueueAttempt(ctx, "user-3", time.Millisecond, "decline")
	assert.Zero(t, pendingAttempts(svc), "no attempts are armed after Stop")
}

func TestSweep_PairsWaitingSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.liveUser(t, pgtest.Profile{}, 0)
	h.liveUser(t, pgtest.Profile{}, 1)
	h.liveUser(t, pgtest.Profile{}, 2)
	h.liveUser(t, pgtest.Profile{}, 3)

	h.svc.sweep(ctx)

	var n int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM live_matches`).Scan(&n))
	assert.Equal(t, 2, n)

	users, err := h.svc.unmatchedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

// setupTestRedis connects to a test Redis instance on localhost:6379 DB 15.
// Tests are skipped if it is unavailable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return rdb
}

func TestSweep_LeaderRunsEveryInterval(t *testing.T) {
	rdb := setupTestRedis(t)
	h := newHarness(t)
	ctx := context.Background()

	config := DefaultConfig()
	config.SweepInterval = 2 * time.Second
	newInstance := func() *Service {
		svc := NewService(h.db, h.declines, h.queue, scheduler.NewRedisLocker(rdb), h.notifier,
			profile.NewStore(h.db), config)
		t.Cleanup(svc.Stop)
		return svc
	}
	leader, follower := newInstance(), newInstance()

	countMatches := func() int {
		var n int
		require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM live_matches`).Scan(&n))
		return n
	}

	h.liveUser(t, pgtest.Profile{}, 0)
	h.liveUser(t, pgtest.Profile{}, 1)
	tick := time.Now()
	leader.sweep(ctx)
	require.Equal(t, 1, countMatches())

	h.liveUser(t, pgtest.Profile{}, 2)
	h.liveUser(t, pgtest.Profile{}, 3)
	follower.sweep(ctx)
	assert.Equal(t, 1, countMatches(), "another instance skips a tick the leader already swept")

	time.Sleep(time.Until(tick.Add(config.SweepInterval)))
	leader.sweep(ctx)
	assert.Equal(t, 2, countMatches(), "the next tick sweeps again")
}

func TestCleanup_ClosesOverdueState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, sa := h.liveUser(t, pgtest.Profile{}, 0)
	b, sb := h.liveUser(t, pgtest.Profile{}, 1)

	_, err := h.db.Exec(`
		INSERT INTO live_matches (id, user_a, user_b, session_a, session_b, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now() - interval '1 second')`, a, b, sa, sb)
	require.NoError(t, err)
	_, err = h.db.Exec(`UPDATE live_sessions SET expires_at = now() - interval '1 second' WHERE id = $1`, sa)
	require.NoError(t, err)

	h.svc.cleanup(ctx)

	var open int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM live_sessions WHERE ended_at IS NULL`).Scan(&open))
	assert.Equal(t, 1, open)
	assert.Len(t, h.notifier.ofType(EventMatchExpired), 2)
}
