package matching

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/decline"
	"github.com/whisper/live-match/internal/metrics"
	"github.com/whisper/live-match/internal/profile"
	"github.com/whisper/live-match/internal/scheduler"
	"github.com/whisper/live-match/internal/session"
)

// Config holds matching engine settings.
type Config struct {
	SweepEnabled           bool
	SweepInterval          time.Duration // periodic pass over unmatched sessions
	SweepBatch             int           // max sessions per sweep
	CleanupInterval        time.Duration // overdue sessions/matches and decline purge
	DeclineAttemptDelay    time.Duration
	AutoExpiryAttemptDelay time.Duration
	MatchCeiling           time.Duration // longest a match may last
	AutoExpiryWindow       time.Duration // unanswered matches are closed after this
	ExpiryMargin           time.Duration // candidates must stay active at least this long
	MaxPairAttempts        int           // candidates tried per attempt
	AttemptLockTTL         time.Duration
	AttemptTimeout         time.Duration // for attempts run without the task queue
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepEnabled:           true,
		SweepInterval:          30 * time.Second,
		SweepBatch:             500,
		CleanupInterval:        time.Minute,
		DeclineAttemptDelay:    30 * time.Second,
		AutoExpiryAttemptDelay: 5 * time.Second,
		MatchCeiling:           10 * time.Minute,
		AutoExpiryWindow:       5 * time.Minute,
		ExpiryMargin:           2 * time.Minute,
		MaxPairAttempts:        3,
		AttemptLockTTL:         30 * time.Second,
		AttemptTimeout:         30 * time.Second,
	}
}

// CardSource returns the display card for a user.
type CardSource interface {
	Card(ctx context.Context, userID string) (*profile.Card, error)
}

// Service runs matching attempts, the periodic sweep and the timer
// callbacks for matches.
type Service struct {
	db       *sql.DB
	store    *Store
	sessions *session.Store
	declines *decline.Store
	queue    scheduler.Queue
	locker   scheduler.Locker
	notifier Notifier
	cards    CardSource
	config   Config

	// in-process attempts, used only while the task queue is unavailable
	pendingMu sync.Mutex
	pending   map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a matching service.
func NewService(db *sql.DB, declines *decline.Store, queue scheduler.Queue, locker scheduler.Locker,
	notifier Notifier, cards CardSource, config Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:       db,
		store:    NewStore(),
		sessions: session.NewStore(db),
		declines: declines,
		queue:    queue,
		locker:   locker,
		notifier: notifier,
		cards:    cards,
		config:   config,
		pending:  make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Store exposes the match store.
func (s *Service) Store() *Store {
	return s.store
}

// Start launches the sweep and cleanup loops.
func (s *Service) Start() {
	if s.config.SweepEnabled {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	log.Printf("[matcher] service started (sweep=%v)", s.config.SweepEnabled)
}

// Stop halts the loops, drops in-process attempts that have not fired and
// waits for running ones to exit.
func (s *Service) Stop() {
	s.cancel()

	s.pendingMu.Lock()
	for userID, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, userID)
	}
	s.pendingMu.Unlock()

	s.wg.Wait()
	log.Println("[matcher] service stopped")
}

func (s *Service) queryConfig() QueryConfig {
	return QueryConfig{
		ExpiryMargin:     s.config.ExpiryMargin,
		DeclineThreshold: s.declines.Threshold(),
	}
}

// EnqueueAttempt schedules a matching attempt for userID after delay. If
// one is already pending for the user the request collapses into it. When
// the task queue is unavailable the attempt runs in-process instead.
func (s *Service) EnqueueAttempt(ctx context.Context, userID string, delay time.Duration, reason string) {
	job := scheduler.MatchAttempt{UserID: userID, Reason: reason}

	scheduled, err := s.queue.Schedule(ctx, scheduler.MatchAttemptKey(userID), delay, job)
	switch {
	case errors.Is(err, scheduler.ErrUnavailable):
		s.attemptLater(userID, delay, reason)
	case err != nil:
		log.Printf("[matcher] enqueue attempt user=%s reason=%s: %v", userID, reason, err)
	case !scheduled:
		log.Printf("[matcher] attempt for user=%s already pending, %s collapsed", userID, reason)
	}
}

// attemptLater runs the attempt on an in-process timer. Like the queue it
// keeps at most one pending attempt per user.
func (s *Service) attemptLater(userID string, delay time.Duration, reason string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if _, ok := s.pending[userID]; ok {
		log.Printf("[matcher] direct attempt for user=%s already pending, %s collapsed", userID, reason)
		return
	}

	s.wg.Add(1)
	s.pending[userID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.pendingMu.Lock()
		delete(s.pending, userID)
		s.pendingMu.Unlock()
		if s.ctx.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.config.AttemptTimeout)
		defer cancel()
		if _, err := s.Attempt(ctx, userID); err != nil {
			log.Printf("[matcher] direct attempt user=%s: %v", userID, err)
		}
	})
}

// HandleAttempt is the scheduler callback for MatchAttempt jobs.
func (s *Service) HandleAttempt(ctx context.Context, job scheduler.MatchAttempt) error {
	_, err := s.Attempt(ctx, job.UserID)
	return err
}

// Attempt looks for a partner for userID and pairs them. It returns the new
// match, or nil when the user is not eligible right now or nobody fits.
func (s *Service) Attempt(ctx context.Context, userID string) (*Match, error) {
	start := time.Now()
	result := "none"
	defer func() {
		metrics.AttemptDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	lockKey := "attempt:" + userID
	token := uuid.NewString()
	ok, err := s.locker.TryLock(ctx, lockKey, token, s.config.AttemptLockTTL)
	if err != nil {
		log.Printf("[matcher] attempt lock user=%s: %v (continuing)", userID, err)
		ok = true
	}
	if !ok {
		result = "skipped"
		return nil, nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			log.Printf("[matcher] attempt unlock user=%s: %v", userID, err)
		}
	}()

	sess, err := s.sessions.ActiveForUser(ctx, s.db, userID)
	if err != nil {
		result = "error"
		return nil, err
	}
	if sess == nil {
		result = "skipped"
		return nil, nil
	}
	active, err := s.store.ActiveForUser(ctx, s.db, userID)
	if err != nil {
		result = "error"
		return nil, err
	}
	if active != nil {
		result = "skipped"
		return nil, nil
	}

	candidates, err := FindCandidates(ctx, s.db, s.queryConfig(), sess.ID, s.config.MaxPairAttempts)
	if err != nil {
		result = "error"
		return nil, err
	}

	for _, c := range candidates {
		res, err := TryPair(ctx, s.db, s.store, sess.ID, c.SessionID, s.config.MatchCeiling)
		if errors.Is(err, ErrLockNotAcquired) || errors.Is(err, ErrAlreadyMatched) {
			metrics.PairingConflicts.Inc()
			result = "conflict"
			log.Printf("[matcher] pair user=%s with user=%s: %v", userID, c.UserID, err)
			continue
		}
		if err != nil {
			result = "error"
			return nil, err
		}

		s.closeExpired(ctx, res.Expired)
		s.matched(ctx, res.Match, c.DistanceKm)
		result = "matched"
		return res.Match, nil
	}
	return nil, nil
}

// matched arms the auto-expiry timer and tells both participants.
func (s *Service) matched(ctx context.Context, m *Match, distanceKm float64) {
	metrics.MatchesCreated.Inc()
	log.Printf("[matcher] match %s: user=%s user=%s (%.1f km, expires %s)",
		m.ID, m.UserA, m.UserB, distanceKm, m.ExpiresAt.Format(time.RFC3339))

	delay := min(s.config.AutoExpiryWindow, max(time.Until(m.ExpiresAt), 0))
	if _, err := s.queue.Schedule(ctx, scheduler.MatchExpiryKey(m.ID), delay,
		scheduler.MatchAutoExpiry{MatchID: m.ID}); err != nil {
		log.Printf("[matcher] schedule auto-expiry %s: %v", m.ID, err)
	}

	for _, userID := range []string{m.UserA, m.UserB} {
		s.notifier.Notify(userID, EventMatchCreated, MatchCreatedEvent{
			MatchID:    m.ID,
			CreatedAt:  m.CreatedAt,
			ExpiresAt:  m.ExpiresAt,
			DistanceKm: roundKm(distanceKm),
			Partner:    s.card(ctx, m.Partner(userID)),
		})
	}
}

// HandleAutoExpiry is the auto-expiry timer callback. A match that was
// declined or saved in the meantime is left alone.
func (s *Service) HandleAutoExpiry(ctx context.Context, job scheduler.MatchAutoExpiry) error {
	m, err := s.store.MarkDeclined(ctx, s.db, job.MatchID, DeclinedBySystem)
	if err != nil {
		return err
	}
	if m == nil {
		log.Printf("[matcher] auto-expiry %s: already resolved", job.MatchID)
		return nil
	}
	s.closeExpired(ctx, []*Match{m})
	return nil
}

// closeExpired finishes matches closed by the system: timers are dropped,
// both sides are told and re-enter matching.
func (s *Service) closeExpired(ctx context.Context, ms []*Match) {
	for _, m := range ms {
		metrics.MatchOutcomes.WithLabelValues("expired").Inc()
		log.Printf("[matcher] match %s expired", m.ID)

		if err := s.queue.Cancel(ctx, scheduler.MatchExpiryKey(m.ID)); err != nil && !errors.Is(err, scheduler.ErrUnavailable) {
			log.Printf("[matcher] cancel auto-expiry %s: %v", m.ID, err)
		}
		ev := MatchClosedEvent{MatchID: m.ID, ClosedAt: closedAt(m)}
		for _, userID := range []string{m.UserA, m.UserB} {
			s.notifier.Notify(userID, EventMatchExpired, ev)
			s.EnqueueAttempt(ctx, userID, s.config.AutoExpiryAttemptDelay, "auto_expiry")
		}
	}
}

func (s *Service) card(ctx context.Context, userID string) *profile.Card {
	c, err := s.cards.Card(ctx, userID)
	if err != nil {
		log.Printf("[matcher] card for user=%s: %v", userID, err)
		return nil
	}
	return c
}

func roundKm(km float64) float64 {
	return float64(int64(km*10+0.5)) / 10
}
