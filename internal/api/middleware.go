package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/live-match/internal/ratelimit"
)

// UserHeader carries the caller's id, set by the authenticating gateway in
// front of this service.
const UserHeader = "X-User-ID"

type contextKey string

const userKey contextKey = "user_id"

// Limiter is the rate limiter the handlers consult.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// requireUser rejects requests without a valid user id and stores the id in
// canonical lowercase form.
func requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(UserHeader))
		if err != nil {
			writeErrorBody(w, http.StatusUnauthorized, ErrorBody{Code: CodeUnauthorized, Message: "missing or invalid " + UserHeader})
			return
		}
		ctx := context.WithValue(r.Context(), userKey, id.String())
		next(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// pathID returns the named path value as a canonical uuid.
func pathID(r *http.Request, name string) (string, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// limited wraps next with a per-user rate limit rule.
func limited(limiter Limiter, rule ratelimit.Rule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		ok, _ := limiter.Allow(r.Context(), uid, rule)
		if !ok {
			retry := limiter.RetryAfter(r.Context(), uid, rule)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())))
			log.Printf("[api] rate limited user=%s rule=%s", uid, rule.Key)
			writeErrorBody(w, http.StatusTooManyRequests, ErrorBody{Code: CodeRateLimited, Message: "too many requests", Retryable: true})
			return
		}
		next(w, r)
	}
}

// recoverer turns handler panics into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[api] panic in %s %s: %v", r.Method, r.URL.Path, rec)
				writeErrorBody(w, http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error", Retryable: true})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
