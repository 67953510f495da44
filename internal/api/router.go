// Package api exposes the live matching operations over HTTP. Callers are
// authenticated upstream; the user id arrives in the X-User-ID header.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/whisper/live-match/internal/metrics"
)

// Check is a named readiness probe for /health.
type Check struct {
	Name string
	// Required checks fail /health; the others only report degraded.
	Required bool
	Probe    func(ctx context.Context) error
}

// NewRouter registers the live routes and wraps them in CORS and panic
// recovery.
func NewRouter(h *Handler, checks []Check, corsOrigins []string) http.Handler {
	mux := http.NewServeMux()
	rules := h.rules

	mux.Handle("POST /live/sessions", requireUser(limited(h.limiter, rules.SessionStart, h.StartSession)))
	mux.Handle("GET /live/sessions/current", requireUser(h.CurrentSession))
	mux.Handle("POST /live/sessions/{id}/extend", requireUser(h.ExtendSession))
	mux.Handle("POST /live/sessions/{id}/end", requireUser(h.EndSession))

	mux.Handle("GET /live/match", requireUser(h.CurrentMatch))
	mux.Handle("GET /live/nearby", requireUser(h.NearbyCount))
	mux.Handle("POST /live/matches/{id}/decline", requireUser(limited(h.limiter, rules.Decline, h.DeclineMatch)))
	mux.Handle("POST /live/matches/{id}/save", requireUser(h.SaveMatch))
	mux.Handle("POST /live/matches/{id}/messages", requireUser(limited(h.limiter, rules.Message, h.SendMessage)))
	mux.Handle("GET /live/matches/{id}/messages", requireUser(h.ListMessages))

	mux.HandleFunc("GET /health", HealthHandler(checks))
	mux.Handle("GET /metrics", metrics.Handler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", UserHeader},
		MaxAge:         600,
	})
	return corsHandler.Handler(recoverer(mux))
}

// HealthHandler reports each check. Any failing required check turns the
// response into a 503.
func HealthHandler(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				results[c.Name] = err.Error()
				if c.Required {
					status, code = "unavailable", http.StatusServiceUnavailable
				} else if status == "ok" {
					status = "degraded"
				}
				continue
			}
			results[c.Name] = "ok"
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": results})
	}
}
