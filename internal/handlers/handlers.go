// Package handlers translates the session HTTP surface into runtime calls.
// Handlers hold no session logic: they decode configuration, call the
// orchestrator, and map the runtime's typed errors onto status codes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/security"
	"github.com/steel-dev/steel-browser-go/internal/stats"
	"github.com/steel-dev/steel-browser-go/internal/types"
	"github.com/steel-dev/steel-browser-go/pkg/version"
)

// Runtime is the slice of the orchestrator the handlers consume.
type Runtime interface {
	StartNewSession(ctx context.Context, cfg types.SessionConfig) (*rod.Browser, error)
	EndSession(ctx context.Context, reason string) error
	GetBrowserState(ctx context.Context) (*types.SessionContext, error)
	IsRunning() bool
	GetSessionState() string
	GetUserAgent() string
	Timings() stats.Timings
	ProxyWebSocket(w http.ResponseWriter, r *http.Request)
}

// Handler serves the session API. The runtime hosts one session at a time;
// the handler names it with a generated ID so callers address it RESTfully.
type Handler struct {
	runtime Runtime

	mu        sync.Mutex
	sessionID string
	createdAt time.Time
}

// New creates a handler.
func New(runtime Runtime) *Handler {
	return &Handler{runtime: runtime}
}

// sessionResponse is the session detail payload.
type sessionResponse struct {
	ID        string                        `json:"id"`
	State     string                        `json:"state"`
	UserAgent string                        `json:"userAgent,omitempty"`
	CreatedAt time.Time                     `json:"createdAt,omitzero"`
	Durations map[stats.Phase]time.Duration `json:"durations,omitempty"`
}

// handleCreateSession implements POST /sessions.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	cfg, err := types.DecodeSessionConfig(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := h.runtime.StartNewSession(r.Context(), cfg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	id, err := security.GenerateSessionID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.mu.Lock()
	h.sessionID = id
	h.createdAt = time.Now()
	h.mu.Unlock()

	writeJSON(w, http.StatusCreated, h.describeSession())
}

// handleGetSession implements GET /sessions/{id}.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !h.matchSession(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.describeSession())
}

// handleGetContext implements GET /sessions/{id}/context.
func (h *Handler) handleGetContext(w http.ResponseWriter, r *http.Request) {
	if !h.matchSession(w, r) {
		return
	}
	sc, err := h.runtime.GetBrowserState(r.Context())
	if err != nil && sc == nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleReleaseSession implements POST /sessions/{id}/release.
func (h *Handler) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	if !h.matchSession(w, r) {
		return
	}
	h.release(w, r)
}

// handleReleaseAny implements POST /sessions/release.
func (h *Handler) handleReleaseAny(w http.ResponseWriter, r *http.Request) {
	h.release(w, r)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	if err := h.runtime.EndSession(r.Context(), "released"); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.mu.Lock()
	h.sessionID = ""
	h.createdAt = time.Time{}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleHealth implements GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Full(),
		"running": h.runtime.IsRunning(),
		"state":   h.runtime.GetSessionState(),
	})
}

// describeSession builds the session detail payload.
func (h *Handler) describeSession() sessionResponse {
	h.mu.Lock()
	id := h.sessionID
	createdAt := h.createdAt
	h.mu.Unlock()

	timings := h.runtime.Timings()
	return sessionResponse{
		ID:        id,
		State:     h.runtime.GetSessionState(),
		UserAgent: h.runtime.GetUserAgent(),
		CreatedAt: createdAt,
		Durations: timings.Durations,
	}
}

// matchSession validates the path ID against the active session.
func (h *Handler) matchSession(w http.ResponseWriter, r *http.Request) bool {
	id := r.PathValue("id")
	if msg := security.ValidateSessionID(id); msg != "" {
		writeError(w, http.StatusBadRequest, errors.New(msg))
		return false
	}
	h.mu.Lock()
	current := h.sessionID
	h.mu.Unlock()
	if current == "" || id != current {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return false
	}
	return true
}

// statusFor maps runtime error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidState), errors.Is(err, types.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, types.ErrBrowserNotRunning):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnsupportedPlatform):
		return http.StatusNotImplemented
	default:
		var launchErr *types.LaunchError
		var drainErr *types.DrainError
		if errors.As(err, &launchErr) || errors.As(err, &drainErr) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": err.Error(),
	})
}
