package conversion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/live-match/internal/matching"
	"github.com/whisper/live-match/internal/profile"
	"github.com/whisper/live-match/internal/scheduler"
	"github.com/whisper/live-match/internal/scheduler/schedulertest"
	"github.com/whisper/live-match/internal/testutil/pgtest"
)

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

func TestSave_MutualSaveExample(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	queue := schedulertest.New()
	notifier := &recordingNotifier{}
	svc := NewService(db, queue, notifier, profile.NewStore(db))

	matchID, a, b := pgtest.LivePair(t, db)

	res, err := svc.Save(ctx, matchID, a)
	require.NoError(t, err)
	assert.Equal(t, Result{MutualSave: false}, *res)

	saved := notifier.ofType(matching.EventPartnerSaved)
	require.Len(t, saved, 1)
	assert.Equal(t, b, saved[0].UserID)
	assert.Equal(t, a, saved[0].Payload.(matching.PartnerSavedEvent).Partner.UserID)

	res, err = svc.Save(ctx, matchID, a)
	require.NoError(t, err)
	assert.False(t, res.MutualSave)
	assert.Len(t, notifier.ofType(matching.EventPartnerSaved), 1, "repeat vote does not notify again")

	res, err = svc.Save(ctx, matchID, b)
	require.NoError(t, err)
	require.True(t, res.MutualSave)
	require.NotEmpty(t, res.PermanentMatchID)
	permanentID := res.PermanentMatchID

	for _, u := range []string{a, b} {
		again, err := svc.Save(ctx, matchID, u)
		require.NoError(t, err)
		assert.Equal(t, Result{MutualSave: true, PermanentMatchID: permanentID}, *again)
	}

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM matches WHERE live_match_id = $1`, matchID).Scan(&n))
	assert.Equal(t, 1, n)

	m, err := matching.NewStore().Get(ctx, db, matchID)
	require.NoError(t, err)
	assert.Equal(t, permanentID, m.PermanentMatchID)
	assert.Equal(t, matching.StatusSaved, m.Status(time.Now()))

	matchSaved := notifier.ofType(matching.EventMatchSaved)
	require.Len(t, matchSaved, 2)
	assert.ElementsMatch(t, []string{a, b}, []string{matchSaved[0].UserID, matchSaved[1].UserID})
	assert.Equal(t, []string{scheduler.MatchExpiryKey(matchID)}, queue.Cancelled())
}

func TestSave_CopiesMessagesInOrderWithNewIDs(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	svc := NewService(db, schedulertest.New(), &recordingNotifier{}, profile.NewStore(db))

	matchID, a, b := pgtest.LivePair(t, db)

	type msg struct{ id, sender, body string }
	sent := []msg{
		{uuid.NewString(), a, "hi"},
		{uuid.NewString(), b, "hey, you are close by"},
		{uuid.NewString(), a, "coffee?"},
	}
	base := time.Now().Add(-time.Minute)
	// Insert out of order; created_at decides.
	for _, i := range []int{2, 0, 1} {
		_, err := db.Exec(`INSERT INTO live_messages (id, live_match_id, sender_id, body, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			sent[i].id, matchID, sent[i].sender, sent[i].body, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	_, err := svc.Save(ctx, matchID, b)
	require.NoError(t, err)
	res, err := svc.Save(ctx, matchID, a)
	require.NoError(t, err)
	require.True(t, res.MutualSave)

	rows, err := db.Query(`SELECT id, sender_id, body FROM messages WHERE match_id = $1 ORDER BY created_at`, res.PermanentMatchID)
	require.NoError(t, err)
	defer rows.Close()

	var got []msg
	for rows.Next() {
		var m msg
		require.NoError(t, rows.Scan(&m.id, &m.sender, &m.body))
		got = append(got, m)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 3)
	for i := range sent {
		assert.Equal(t, sent[i].sender, got[i].sender)
		assert.Equal(t, sent[i].body, got[i].body)
		assert.NotEqual(t, sent[i].id, got[i].id, "copies get fresh ids")
	}
}

func TestSave_ConcurrentVotesConvertOnce(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	svc := NewService(db, schedulertest.New(), &recordingNotifier{}, profile.NewStore(db))

	matchID, a, b := pgtest.LivePair(t, db)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*Result
	)
	for i := 0; i < 5; i++ {
		for _, u := range []string{a, b} {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				res, err := svc.Save(ctx, matchID, userID)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}(u)
		}
	}
	wg.Wait()

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM matches`).Scan(&n))
	assert.Equal(t, 1, n)

	ids := map[string]bool{}
	for _, r := range results {
		if r.MutualSave {
			ids[r.PermanentMatchID] = true
		}
	}
	assert.Len(t, ids, 1)
}

func TestSave_Rejections(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	svc := NewService(db, schedulertest.New(), &recordingNotifier{}, profile.NewStore(db))

	matchID, a, b := pgtest.LivePair(t, db)

	_, err := svc.Save(ctx, matchID, uuid.NewString())
	assert.ErrorIs(t, err, matching.ErrNotParticipant)

	_, err = svc.Save(ctx, uuid.NewString(), a)
	assert.ErrorIs(t, err, matching.ErrMatchNotFound)

	_, err = db.Exec(`UPDATE live_matches SET declined_by = $2, declined_at = now() WHERE id = $1`, matchID, b)
	require.NoError(t, err)
	_, err = svc.Save(ctx, matchID, a)
	assert.ErrorIs(t, err, matching.ErrMatchClosed)
}

func TestSave_AllowedAfterSessionEnded(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	svc := NewService(db, schedulertest.New(), &recordingNotifier{}, profile.NewStore(db))

	matchID, a, b := pgtest.LivePair(t, db)
	_, err := db.Exec(`UPDATE live_sessions SET ended_at = now()`)
	require.NoError(t, err)

	_, err = svc.Save(ctx, matchID, a)
	require.NoError(t, err)
	res, err := svc.Save(ctx, matchID, b)
	require.NoError(t, err)
	assert.True(t, res.MutualSave)
}
