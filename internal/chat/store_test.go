package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/live-match/internal/matching"
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

func TestSendAndList(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	store := NewStore(db, notifier)

	matchID, a, b := pgtest.LivePair(t, db)

	first, err := store.Send(ctx, matchID, a, "hello")
	require.NoError(t, err)
	_, err = store.Send(ctx, matchID, b, "hi there")
	require.NoError(t, err)
	_, err = store.Send(ctx, matchID, a, "walk?")
	require.NoError(t, err)

	msgs, err := store.List(ctx, matchID, b)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, []string{"hello", "hi there", "walk?"}, []string{msgs[0].Body, msgs[1].Body, msgs[2].Body})

	require.Len(t, notifier.events, 3)
	ev := notifier.events[0]
	assert.Equal(t, b, ev.UserID)
	assert.Equal(t, matching.EventMatchMessage, ev.Type)
	assert.Equal(t, "hello", ev.Payload.(MessageEvent).Text)
	assert.Equal(t, a, notifier.events[1].UserID)
}

func TestSend_Rejections(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	store := NewStore(db, &recordingNotifier{})

	matchID, a, b := pgtest.LivePair(t, db)

	_, err := store.Send(ctx, matchID, a, "")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = store.Send(ctx, matchID, uuid.NewString(), "hi")
	assert.ErrorIs(t, err, matching.ErrNotParticipant)

	_, err = store.Send(ctx, uuid.NewString(), a, "hi")
	assert.ErrorIs(t, err, matching.ErrMatchNotFound)

	_, err = db.Exec(`UPDATE live_matches SET declined_by = $2, declined_at = now() WHERE id = $1`, matchID, b)
	require.NoError(t, err)
	_, err = store.Send(ctx, matchID, a, "still there?")
	assert.ErrorIs(t, err, matching.ErrMatchClosed)

	msgs, err := store.List(ctx, matchID, a)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = store.List(ctx, matchID, uuid.NewString())
	assert.ErrorIs(t, err, matching.ErrNotParticipant)
}

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"empty", "", true},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), true},
		{"multibyte within limits", strings.Repeat("é", MaxTextChars), false},
		{"invalid utf8", "bad \xff byte", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.text)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
