// Package schedulertest provides an in-memory scheduler.Queue for tests.
package schedulertest

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/live-match/internal/scheduler"
)

// Entry is a pending task held by Queue.
type Entry struct {
	Delay time.Duration
	Job   scheduler.Job
}

// Queue records scheduled tasks in memory with the same per-key semantics
// as the Redis queue. Nothing ever fires; tests inspect and drive it.
type Queue struct {
	mu        sync.Mutex
	pending   map[string]Entry
	cancelled []string
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{pending: make(map[string]Entry)}
}

func (q *Queue) Schedule(_ context.Context, key string, delay time.Duration, job scheduler.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[key]; ok {
		return false, nil
	}
	q.pending[key] = Entry{Delay: delay, Job: job}
	return true, nil
}

func (q *Queue) Cancel(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
	q.cancelled = append(q.cancelled, key)
	return nil
}

func (q *Queue) Reschedule(_ context.Context, key string, delay time.Duration, job scheduler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[key] = Entry{Delay: delay, Job: job}
	return nil
}

// Get returns the pending entry under key.
func (q *Queue) Get(key string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[key]
	return e, ok
}

// Take removes and returns the pending entry under key, as if it fired.
func (q *Queue) Take(key string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[key]
	delete(q.pending, key)
	return e, ok
}

// Cancelled returns every key passed to Cancel, in order.
func (q *Queue) Cancelled() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.cancelled...)
}
