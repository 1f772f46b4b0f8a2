// Package api provides HTTP handlers for the study API.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/nkoval/empathy-study/internal/bot"
	"github.com/nkoval/empathy-study/internal/export"
	"github.com/nkoval/empathy-study/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	mgr      *bot.Manager
	repo     store.Repository
	exporter *export.Exporter

	// inFlight serializes turns per session. A session is a single
	// participant's browser; overlapping turns mean a double submit, and
	// the second one is rejected rather than queued.
	turnMu   sync.Mutex
	inFlight map[string]struct{}
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(mgr *bot.Manager, repo store.Repository, exporter *export.Exporter) *Handler {
	return &Handler{
		mgr:      mgr,
		repo:     repo,
		exporter: exporter,
		inFlight: make(map[string]struct{}),
	}
}

// beginTurn reserves the session for one turn. Returns false if a turn is
// already in flight.
func (h *Handler) beginTurn(sessionID string) bool {
	h.turnMu.Lock()
	defer h.turnMu.Unlock()
	if _, busy := h.inFlight[sessionID]; busy {
		return false
	}
	h.inFlight[sessionID] = struct{}{}
	return true
}

func (h *Handler) endTurn(sessionID string) {
	h.turnMu.Lock()
	defer h.turnMu.Unlock()
	delete(h.inFlight, sessionID)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
