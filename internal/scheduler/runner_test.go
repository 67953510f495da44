package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out a fixed list of tasks on the first Claim.
type fakeSource struct {
	mu    sync.Mutex
	tasks []Task
}

func (f *fakeSource) Claim(context.Context, int) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.tasks
	f.tasks = nil
	return out, nil
}

func (f *fakeSource) Backlog(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tasks)), nil
}

func testRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		Workers:      2,
		TaskTimeout:  time.Second,
	}
}

func TestRunner_DispatchesEachKind(t *testing.T) {
	src := &fakeSource{tasks: []Task{
		{Key: SessionExpiryKey("s1"), Job: SessionExpiry{SessionID: "s1"}},
		{Key: MatchExpiryKey("m1"), Job: MatchAutoExpiry{MatchID: "m1"}},
		{Key: MatchAttemptKey("u1"), Job: MatchAttempt{UserID: "u1", Reason: "decline"}},
	}}

	var mu sync.Mutex
	seen := map[string]string{}
	done := make(chan struct{}, 3)
	record := func(kind, id string) {
		mu.Lock()
		seen[kind] = id
		mu.Unlock()
		done <- struct{}{}
	}

	r := NewRunner(testRunnerConfig(), src, Handlers{
		SessionExpiry: func(_ context.Context, j SessionExpiry) error {
			record(KindSessionExpiry, j.SessionID)
			return nil
		},
		MatchAutoExpiry: func(_ context.Context, j MatchAutoExpiry) error {
			record(KindMatchAutoExpiry, j.MatchID)
			return nil
		},
		MatchAttempt: func(_ context.Context, j MatchAttempt) error {
			record(KindMatchAttempt, j.UserID)
			return errors.New("boom") // errors are logged, not fatal
		},
	})
	r.Start()
	defer r.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d", i+1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{
		KindSessionExpiry:   "s1",
		KindMatchAutoExpiry: "m1",
		KindMatchAttempt:    "u1",
	}, seen)
}

func TestRunner_RecoversHandlerPanic(t *testing.T) {
	src := &fakeSource{tasks: []Task{
		{Key: MatchExpiryKey("bad"), Job: MatchAutoExpiry{MatchID: "bad"}},
		{Key: SessionExpiryKey("good"), Job: SessionExpiry{SessionID: "good"}},
	}}

	ran := make(chan string, 1)
	r := NewRunner(testRunnerConfig(), src, Handlers{
		MatchAutoExpiry: func(context.Context, MatchAutoExpiry) error {
			panic("handler bug")
		},
		SessionExpiry: func(_ context.Context, j SessionExpiry) error {
			ran <- j.SessionID
			return nil
		},
	})
	r.Start()
	defer r.Stop()

	select {
	case id := <-ran:
		assert.Equal(t, "good", id)
	case <-time.After(2 * time.Second):
		t.Fatal("runner stopped processing after a panic")
	}
}

func TestRunner_MissingHandlerDropsJob(t *testing.T) {
	r := NewRunner(testRunnerConfig(), &fakeSource{}, Handlers{})
	err := r.dispatch(context.Background(), MatchAttempt{UserID: "u"})
	require.NoError(t, err)
}
