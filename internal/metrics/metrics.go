// Package metrics provides Prometheus instrumentation for the live-session
// engine. It exposes counters for session and match lifecycle events,
// histograms for matching latency and gauges for the delayed-task backlog.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts successfully started live sessions.
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_sessions_started_total",
		Help: "Total number of live sessions started",
	})

	// MatchesCreated counts ephemeral matches created by pairing.
	MatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_matches_created_total",
		Help: "Total number of ephemeral matches created",
	})

	// MatchOutcomes counts terminal match outcomes.
	MatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_match_outcomes_total",
		Help: "Terminal ephemeral match outcomes",
	}, []string{"outcome"}) // outcome = "declined", "expired", "saved"

	// PairingConflicts counts pairing attempts that lost a lock race or
	// found a participant already matched.
	PairingConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_pairing_conflicts_total",
		Help: "Pairing attempts that could not lock both sessions",
	})

	// AttemptDuration records the wall time of one matching attempt.
	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "live_match_attempt_duration_seconds",
		Help:    "Duration of a single matching attempt",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"result"}) // result = "matched", "none", "conflict", "error", "skipped"

	// SchedulerTasks counts delayed tasks handled by the runner.
	SchedulerTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_scheduler_tasks_total",
		Help: "Delayed tasks processed by the scheduler",
	}, []string{"kind", "result"}) // result = "ok", "error"

	// SchedulerBacklog tracks the number of pending delayed tasks.
	SchedulerBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_scheduler_backlog",
		Help: "Current number of pending delayed tasks",
	})

	// EventsPublished counts notification events handed to the publish channel.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_events_published_total",
		Help: "Notification events published",
	}, []string{"type", "result"})

	// PushConnections tracks open push-gateway WebSocket connections.
	PushConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_push_connections",
		Help: "Current number of push gateway WebSocket connections",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		MatchesCreated,
		MatchOutcomes,
		PairingConflicts,
		AttemptDuration,
		SchedulerTasks,
		SchedulerBacklog,
		EventsPublished,
		PushConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
