package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/leaderboard/internal/auth"
	"github.com/whisper/leaderboard/internal/leaderboard"
)

type stubBoot struct {
	user *auth.User
	err  error
}

func (s stubBoot) EnsureAnonUser(context.Context) (*auth.User, error) { return s.user, s.err }

type memScores struct {
	mu      sync.Mutex
	entries []leaderboard.Entry
}

func (m *memScores) Submit(_ context.Context, e leaderboard.Entry) (leaderboard.Entry, error) {
	if e.Score < 0 {
		return leaderboard.Entry{}, fmt.Errorf("%w: negative", leaderboard.ErrInvalidEntry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = fmt.Sprintf("e%d", len(m.entries)+1)
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memScores) Top(_ context.Context, uid string, limit int) ([]leaderboard.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []leaderboard.Entry
	for _, e := range m.entries {
		if e.UID == uid {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var signedIn = stubBoot{user: &auth.User{UID: "U1", IsAnonymous: true}}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(t, NewHandler(stubBoot{}, nil), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSession(t *testing.T) {
	tests := []struct {
		name string
		boot stubBoot
		want int
	}{
		{"signed in", signedIn, http.StatusOK},
		{"degraded", stubBoot{}, http.StatusServiceUnavailable},
		{"failure", stubBoot{err: errors.New("boom")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewHandler(tt.boot, nil), http.MethodGet, "/v1/session", "")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	rec := do(t, NewHandler(signedIn, nil), http.MethodGet, "/v1/session", "")
	var resp sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UID != "U1" || !resp.Anonymous {
		t.Errorf("unexpected session %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "token") {
		t.Error("session response must not expose tokens")
	}
}

func TestScores_SubmitAndList(t *testing.T) {
	store := &memScores{}
	h := NewHandler(signedIn, store)

	rec := do(t, h, http.MethodPost, "/v1/scores", `{"score":42,"moves":7}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/v1/scores?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Scores []leaderboard.Entry `json:"scores"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Scores) != 1 || resp.Scores[0].Score != 42 || resp.Scores[0].Moves != 7 {
		t.Errorf("unexpected scores %+v", resp.Scores)
	}
}

func TestScores_Errors(t *testing.T) {
	tests := []struct {
		name   string
		boot   stubBoot
		scores ScoreStore
		method string
		target string
		body   string
		want   int
	}{
		{"no store", signedIn, nil, http.MethodGet, "/v1/scores", "", http.StatusServiceUnavailable},
		{"degraded", stubBoot{}, &memScores{}, http.MethodPost, "/v1/scores", `{"score":1}`, http.StatusServiceUnavailable},
		{"bad body", signedIn, &memScores{}, http.MethodPost, "/v1/scores", `{`, http.StatusBadRequest},
		{"invalid entry", signedIn, &memScores{}, http.MethodPost, "/v1/scores", `{"score":-1}`, http.StatusBadRequest},
		{"bad limit", signedIn, &memScores{}, http.MethodGet, "/v1/scores?limit=x", "", http.StatusBadRequest},
		{"identity failure", stubBoot{err: errors.New("boom")}, &memScores{}, http.MethodGet, "/v1/scores", "", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewHandler(tt.boot, tt.scores), tt.method, tt.target, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}
}
