// Package httpapi exposes the anonymous session and the per-device
// leaderboard over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/whisper/leaderboard/internal/auth"
	"github.com/whisper/leaderboard/internal/leaderboard"
	"github.com/whisper/leaderboard/internal/metrics"
)

// Bootstrapper resolves the device's anonymous identity. A nil user with a
// nil error means the leaderboard is disabled.
type Bootstrapper interface {
	EnsureAnonUser(ctx context.Context) (*auth.User, error)
}

// ScoreStore reads and writes a user's scores.
type ScoreStore interface {
	Submit(ctx context.Context, e leaderboard.Entry) (leaderboard.Entry, error)
	Top(ctx context.Context, uid string, limit int) ([]leaderboard.Entry, error)
}

type handler struct {
	boot   Bootstrapper
	scores ScoreStore
}

// NewHandler returns the service's HTTP routes. scores may be nil, in which
// case score endpoints report the leaderboard as disabled.
func NewHandler(boot Bootstrapper, scores ScoreStore) http.Handler {
	h := &handler{boot: boot, scores: scores}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/session", h.session)
	mux.HandleFunc("GET /v1/scores", h.topScores)
	mux.HandleFunc("POST /v1/scores", h.submitScore)
	return mux
}

type sessionResponse struct {
	UID       string `json:"uid"`
	Anonymous bool   `json:"anonymous"`
}

type scoreRequest struct {
	Score int `json:"score"`
	Moves int `json:"moves"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	user, ok := h.ensure(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{UID: user.UID, Anonymous: user.IsAnonymous})
}

func (h *handler) topScores(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	user, ok := h.ensureScores(w, r)
	if !ok {
		return
	}

	entries, err := h.scores.Top(r.Context(), user.UID, limit)
	if err != nil {
		log.Printf("[http] top scores uid=%s: %v", user.UID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load scores"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": entries})
}

func (h *handler) submitScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	user, ok := h.ensureScores(w, r)
	if !ok {
		return
	}

	entry, err := h.scores.Submit(r.Context(), leaderboard.Entry{UID: user.UID, Score: req.Score, Moves: req.Moves})
	if err != nil {
		metrics.ScoresTotal.WithLabelValues("error").Inc()
		if errors.Is(err, leaderboard.ErrInvalidEntry) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		log.Printf("[http] submit score uid=%s: %v", user.UID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save score"})
		return
	}
	metrics.ScoresTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusCreated, entry)
}

// ensure resolves the anonymous user, writing the error response itself
// when there is none.
func (h *handler) ensure(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, err := h.boot.EnsureAnonUser(r.Context())
	if err != nil {
		log.Printf("[http] ensure anonymous user: %v", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "identity service unavailable"})
		return nil, false
	}
	if user == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "leaderboard disabled"})
		return nil, false
	}
	return user, true
}

func (h *handler) ensureScores(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	if h.scores == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "leaderboard disabled"})
		return nil, false
	}
	return h.ensure(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}
