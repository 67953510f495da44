package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/whisper/live-match/internal/chat"
	"github.com/whisper/live-match/internal/conversion"
	"github.com/whisper/live-match/internal/geo"
	"github.com/whisper/live-match/internal/matching"
	"github.com/whisper/live-match/internal/ratelimit"
	"github.com/whisper/live-match/internal/session"
)

// maxBodyBytes caps request bodies; the largest is a chat message.
const maxBodyBytes = 16 << 10

// Sessions is the session lifecycle used by the handlers.
type Sessions interface {
	Start(ctx context.Context, userID string, durationMinutes int, loc geo.Point) (*session.Session, error)
	Extend(ctx context.Context, sessionID, userID string, minutes int) (*session.Session, error)
	End(ctx context.Context, sessionID, userID string) error
	Current(ctx context.Context, userID string) (*session.Session, error)
}

// Matches is the match surface used by the handlers.
type Matches interface {
	CurrentMatch(ctx context.Context, userID string) (*matching.View, error)
	NearbyCount(ctx context.Context, userID string) (int, error)
	Decline(ctx context.Context, matchID, userID string) error
}

// Saver records save votes.
type Saver interface {
	Save(ctx context.Context, matchID, userID string) (*conversion.Result, error)
}

// Chat sends and lists live match messages.
type Chat interface {
	Send(ctx context.Context, matchID, userID, text string) (*chat.Message, error)
	List(ctx context.Context, matchID, userID string) ([]chat.Message, error)
}

// Handler serves the live API.
type Handler struct {
	sessions Sessions
	matches  Matches
	saver    Saver
	chat     Chat
	limiter  Limiter
	rules    ratelimit.Rules
}

// NewHandler creates the API handler.
func NewHandler(sessions Sessions, matches Matches, saver Saver, chat Chat, limiter Limiter, rules ratelimit.Rules) *Handler {
	return &Handler{
		sessions: sessions,
		matches:  matches,
		saver:    saver,
		chat:     chat,
		limiter:  limiter,
		rules:    rules,
	}
}

// decode reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decode(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type startRequest struct {
	DurationMinutes int     `json:"duration_minutes"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
}

type sessionResponse struct {
	*session.Session
	State string `json:"state"`
}

func sessionBody(s *session.Session) sessionResponse {
	return sessionResponse{Session: s, State: s.State(time.Now())}
}

// StartSession handles POST /live/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	sess, err := h.sessions.Start(r.Context(), userID(r), req.DurationMinutes, geo.Point{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionBody(sess))
}

// CurrentSession handles GET /live/sessions/current.
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Current(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, r, session.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionBody(sess))
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

// ExtendSession handles POST /live/sessions/{id}/extend.
func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, session.ErrNotFound)
		return
	}
	var req extendRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	sess, err := h.sessions.Extend(r.Context(), id, userID(r), req.Minutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionBody(sess))
}

// EndSession handles POST /live/sessions/{id}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, session.ErrNotFound)
		return
	}
	if err := h.sessions.End(r.Context(), id, userID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

// CurrentMatch handles GET /live/match.
func (h *Handler) CurrentMatch(w http.ResponseWriter, r *http.Request) {
	view, err := h.matches.CurrentMatch(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "searching"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// NearbyCount handles GET /live/nearby.
func (h *Handler) NearbyCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.matches.NearbyCount(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// DeclineMatch handles POST /live/matches/{id}/decline.
func (h *Handler) DeclineMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, matching.ErrMatchNotFound)
		return
	}
	if err := h.matches.Decline(r.Context(), id, userID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// SaveMatch handles POST /live/matches/{id}/save.
func (h *Handler) SaveMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, matching.ErrMatchNotFound)
		return
	}
	res, err := h.saver.Save(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sendRequest struct {
	Body string `json:"body"`
}

// SendMessage handles POST /live/matches/{id}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, matching.ErrMatchNotFound)
		return
	}
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	msg, err := h.chat.Send(r.Context(), id, userID(r), req.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// ListMessages handles GET /live/matches/{id}/messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, matching.ErrMatchNotFound)
		return
	}
	msgs, err := h.chat.List(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
