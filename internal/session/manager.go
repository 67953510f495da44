package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/database"
	"github.com/whisper/live-match/internal/geo"
	"github.com/whisper/live-match/internal/metrics"
	"github.com/whisper/live-match/internal/scheduler"
)

// Config holds session lifecycle settings.
type Config struct {
	AllowedDurations  []int         // minutes a session may be started for
	ExtendStep        time.Duration // default extension when none is given
	StartAttemptDelay time.Duration // delay before the first matching attempt
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AllowedDurations:  []int{15, 30, 60},
		ExtendStep:        15 * time.Minute,
		StartAttemptDelay: 15 * time.Second,
	}
}

// ProfileChecker reports whether a user has the profile the feature needs.
type ProfileChecker interface {
	HasProfile(ctx context.Context, userID string) (bool, error)
}

// AttemptScheduler enqueues a deferred matching attempt for a user.
type AttemptScheduler interface {
	EnqueueAttempt(ctx context.Context, userID string, delay time.Duration, reason string)
}

// Manager owns the session state machine.
type Manager struct {
	db       *sql.DB
	store    *Store
	profiles ProfileChecker
	fuzzer   geo.Fuzzer
	queue    scheduler.Queue
	attempts AttemptScheduler
	config   Config
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(db *sql.DB, profiles ProfileChecker, fuzzer geo.Fuzzer, queue scheduler.Queue,
	attempts AttemptScheduler, config Config) *Manager {
	return &Manager{
		db:       db,
		store:    NewStore(db),
		profiles: profiles,
		fuzzer:   fuzzer,
		queue:    queue,
		attempts: attempts,
		config:   config,
		now:      time.Now,
	}
}

// Store exposes the underlying session store.
func (m *Manager) Store() *Store {
	return m.store
}

// Start opens a session for userID lasting durationMinutes at loc.
func (m *Manager) Start(ctx context.Context, userID string, durationMinutes int, loc geo.Point) (*Session, error) {
	if !slices.Contains(m.config.AllowedDurations, durationMinutes) {
		return nil, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, durationMinutes)
	}
	if err := loc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}

	ok, err := m.profiles.HasProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	if !ok {
		return nil, ErrProfileRequired
	}

	now := m.now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		StartedAt:       now,
		ExpiresAt:       now.Add(time.Duration(durationMinutes) * time.Minute),
		DurationMinutes: durationMinutes,
		Raw:             loc,
		Fuzzed:          m.fuzzer.Fuzz(loc),
	}

	err = database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.store.ExpireOverdueForUser(ctx, tx, userID); err != nil {
			return err
		}
		existing, err := m.store.ActiveForUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyActive
		}
		return m.store.Insert(ctx, tx, sess)
	})
	if database.IsUniqueViolation(err) {
		return nil, ErrAlreadyActive
	}
	if err != nil {
		return nil, err
	}

	metrics.SessionsStarted.Inc()
	log.Printf("[session] started %s for user=%s (%d min)", sess.ID, userID, durationMinutes)

	m.scheduleExpiry(ctx, sess)
	m.attempts.EnqueueAttempt(ctx, userID, m.config.StartAttemptDelay, "session_start")
	return sess, nil
}

// Extend pushes an active session's expiry forward. minutes of zero uses
// the configured step; otherwise it must be one of the allowed durations.
func (m *Manager) Extend(ctx context.Context, sessionID, userID string, minutes int) (*Session, error) {
	step := m.config.ExtendStep
	if minutes != 0 {
		if !slices.Contains(m.config.AllowedDurations, minutes) {
			return nil, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
		}
		step = time.Duration(minutes) * time.Minute
	}

	if _, err := m.owned(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	sess, err := m.store.Extend(ctx, sessionID, step)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotActive
	}

	if err := m.queue.Reschedule(ctx, scheduler.SessionExpiryKey(sess.ID), m.until(sess.ExpiresAt),
		scheduler.SessionExpiry{SessionID: sess.ID}); err != nil {
		log.Printf("[session] reschedule expiry %s: %v", sess.ID, err)
	}

	log.Printf("[session] extended %s to %s", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
	return sess, nil
}

// End closes the caller's session. Ending an already closed session is a
// no-op. Any live match is left to its own expiry.
func (m *Manager) End(ctx context.Context, sessionID, userID string) error {
	if _, err := m.owned(ctx, sessionID, userID); err != nil {
		return err
	}

	ended, err := m.store.End(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}

	if err := m.queue.Cancel(ctx, scheduler.SessionExpiryKey(sessionID)); err != nil {
		log.Printf("[session] cancel expiry %s: %v", sessionID, err)
	}
	log.Printf("[session] ended %s by user=%s", sessionID, userID)
	return nil
}

// Expire is the expiry timer callback. It is a no-op if the session was
// already closed. A timer that fires before the stored expiry (the session
// was extended in between) is re-armed.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	expired, err := m.store.Expire(ctx, sessionID)
	if err != nil {
		return err
	}
	if expired {
		log.Printf("[session] expired %s", sessionID)
		return nil
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.EndedAt != nil {
		return nil
	}
	m.scheduleExpiry(ctx, sess)
	return nil
}

// HandleExpiry adapts Expire to the scheduler's handler signature.
func (m *Manager) HandleExpiry(ctx context.Context, job scheduler.SessionExpiry) error {
	return m.Expire(ctx, job.SessionID)
}

// Current returns the user's active session or nil.
func (m *Manager) Current(ctx context.Context, userID string) (*Session, error) {
	return m.store.ActiveForUser(ctx, m.db, userID)
}

func (m *Manager) owned(ctx context.Context, sessionID, userID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (m *Manager) scheduleExpiry(ctx context.Context, sess *Session) {
	_, err := m.queue.Schedule(ctx, scheduler.SessionExpiryKey(sess.ID), m.until(sess.ExpiresAt),
		scheduler.SessionExpiry{SessionID: sess.ID})
	if err != nil {
		log.Printf("[session] schedule expiry %s: %v", sess.ID, err)
	}
}

func (m *Manager) until(t time.Time) time.Duration {
	d := t.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}
