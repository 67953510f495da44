package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/whisper/live-match/internal/chat"
	"github.com/whisper/live-match/internal/matching"
	"github.com/whisper/live-match/internal/session"
)

// Stable error codes returned to clients.
const (
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
	CodeProfileRequired      = "PROFILE_REQUIRED"
	CodeNotFound             = "NOT_FOUND"
	CodeForbidden            = "FORBIDDEN"
	CodeMatchClosed          = "MATCH_CLOSED"
	CodeSessionNotActive     = "SESSION_NOT_ACTIVE"
	CodeBadRequest           = "BAD_REQUEST"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

// Response is the envelope of every API response.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Error: &body}); err != nil {
		log.Printf("[api] encode error response: %v", err)
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeErrorBody(w, http.StatusBadRequest, ErrorBody{Code: CodeBadRequest, Message: message})
}

// writeError maps a service error onto a status and code. Unknown errors
// are logged and reported as a generic retryable failure.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeErrorBody(w, status, body)
}

func classify(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		return http.StatusConflict, ErrorBody{Code: CodeSessionAlreadyActive, Message: "a live session is already active"}
	case errors.Is(err, session.ErrProfileRequired):
		return http.StatusForbidden, ErrorBody{Code: CodeProfileRequired, Message: "a complete profile is required"}
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: "session not found"}
	case errors.Is(err, matching.ErrMatchNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: "match not found"}
	case errors.Is(err, session.ErrForbidden), errors.Is(err, matching.ErrNotParticipant):
		return http.StatusForbidden, ErrorBody{Code: CodeForbidden, Message: "not allowed"}
	case errors.Is(err, matching.ErrMatchClosed):
		return http.StatusConflict, ErrorBody{Code: CodeMatchClosed, Message: "match is no longer open"}
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, ErrorBody{Code: CodeSessionNotActive, Message: "session is not active"}
	case errors.Is(err, session.ErrInvalidDuration),
		errors.Is(err, session.ErrInvalidLocation),
		errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusBadRequest, ErrorBody{Code: CodeBadRequest, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error", Retryable: true}
	}
}
