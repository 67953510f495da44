package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/live-match/internal/metrics"
)

// Source yields due tasks. RedisQueue is the production implementation.
type Source interface {
	Claim(ctx context.Context, limit int) ([]Task, error)
	Backlog(ctx context.Context) (int64, error)
}

// Handlers maps each job kind to the domain operation that executes it.
// A nil handler drops jobs of that kind with a log line.
type Handlers struct {
	SessionExpiry   func(ctx context.Context, job SessionExpiry) error
	MatchAutoExpiry func(ctx context.Context, job MatchAutoExpiry) error
	MatchAttempt    func(ctx context.Context, job MatchAttempt) error
}

// RunnerConfig holds tunables for the task runner.
type RunnerConfig struct {
	PollInterval time.Duration // how often due tasks are claimed
	BatchSize    int           // max tasks claimed per poll
	Workers      int           // max concurrently executing tasks
	TaskTimeout  time.Duration // per-task context deadline
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    64,
		Workers:      16,
		TaskTimeout:  30 * time.Second,
	}
}

// Runner polls a Source and executes due tasks on a bounded worker pool.
type Runner struct {
	config   RunnerConfig
	source   Source
	handlers Handlers
	workers  chan struct{} // semaphore limiting concurrent tasks
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRunner creates a Runner. Call Start to begin polling.
func NewRunner(config RunnerConfig, source Source, handlers Handlers) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		config:   config,
		source:   source,
		handlers: handlers,
		workers:  make(chan struct{}, config.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the poll loop in the background.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.pollLoop()
	log.Printf("[scheduler] runner started (poll=%s batch=%d workers=%d)",
		r.config.PollInterval, r.config.BatchSize, r.config.Workers)
}

// Stop cancels polling and waits for in-flight tasks to finish.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	log.Println("[scheduler] runner stopped")
}

func (r *Runner) pollLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		}
	}
}

// poll claims one batch of due tasks and hands each to a worker.
func (r *Runner) poll() {
	if backlog, err := r.source.Backlog(r.ctx); err == nil {
		metrics.SchedulerBacklog.Set(float64(backlog))
	}

	tasks, err := r.source.Claim(r.ctx, r.config.BatchSize)
	if err != nil {
		log.Printf("[scheduler] claim: %v", err)
	}

	for _, task := range tasks {
		select {
		case r.workers <- struct{}{}:
		case <-r.ctx.Done():
			// Already claimed; the sweep and lazy-expiry paths pick up the slack.
			log.Printf("[scheduler] shutdown dropped claimed task %s", task.Key)
			continue
		}

		r.wg.Add(1)
		go func(t Task) {
			defer func() {
				<-r.workers
				r.wg.Done()
			}()
			r.execute(t)
		}(task)
	}
}

// execute runs one task with a timeout. Handler panics are recovered so a
// single bad task cannot take down the runner.
func (r *Runner) execute(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.TaskTimeout)
	defer cancel()

	kind := task.Job.Kind()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return r.dispatch(ctx, task.Job)
	}()

	if err != nil {
		metrics.SchedulerTasks.WithLabelValues(kind, "error").Inc()
		log.Printf("[scheduler] task %s failed: %v", task.Key, err)
		return
	}
	metrics.SchedulerTasks.WithLabelValues(kind, "ok").Inc()
}

func (r *Runner) dispatch(ctx context.Context, job Job) error {
	switch j := job.(type) {
	case SessionExpiry:
		if r.handlers.SessionExpiry == nil {
			break
		}
		return r.handlers.SessionExpiry(ctx, j)
	case MatchAutoExpiry:
		if r.handlers.MatchAutoExpiry == nil {
			break
		}
		return r.handlers.MatchAutoExpiry(ctx, j)
	case MatchAttempt:
		if r.handlers.MatchAttempt == nil {
			break
		}
		return r.handlers.MatchAttempt(ctx, j)
	default:
		return fmt.Errorf("unknown job %T", job)
	}
	log.Printf("[scheduler] no handler for %s, dropping", job.Kind())
	return nil
}
