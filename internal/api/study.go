package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nkoval/empathy-study/internal/bot"
	"github.com/nkoval/empathy-study/internal/identity"
)

const maxMessageLength = 4000

type createSessionRequest struct {
	ExternalRef string `json:"external_ref,omitempty"`
}

type sendMessageRequest struct {
	Message    string `json:"message"`
	MessageNum int    `json:"message_num,omitempty"`
}

type endSessionRequest struct {
	Completed bool `json:"completed"`
}

// CreateSession handles POST /api/study/sessions. It assigns a bot variant
// and returns the session descriptor the participant client holds for the
// rest of the conversation.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	externalRef := strings.TrimSpace(req.ExternalRef)
	if externalRef == "" {
		externalRef = identity.DeviceIDFromContext(r.Context())
	}

	info, err := h.mgr.CreateSession(r.Context(), externalRef)
	if err != nil {
		slog.Error("failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, info)
}

// SendMessage handles POST /api/study/sessions/{sessionID}/messages: one user
// turn. Turns for the same session are serialized; a second in-flight turn is
// rejected with 409 rather than queued.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	if len(req.Message) > maxMessageLength {
		Error(w, http.StatusBadRequest, "message too long")
		return
	}

	if !h.beginTurn(sessionID) {
		Error(w, http.StatusConflict, "a message is already being processed for this session")
		return
	}
	defer h.endTurn(sessionID)

	result, err := h.mgr.GetResponse(r.Context(), sessionID, req.Message, req.MessageNum)
	if err != nil {
		switch {
		case errors.Is(err, bot.ErrSessionNotFound):
			Error(w, http.StatusNotFound, "session not found")
		case errors.Is(err, bot.ErrConversationComplete):
			Error(w, http.StatusConflict, "conversation has reached its message limit")
		case errors.Is(err, bot.ErrCompletionFailure):
			slog.Error("completion failure", "session_id", sessionID, "error", err)
			Error(w, http.StatusBadGateway, "the bot is temporarily unavailable, please try again")
		default:
			slog.Error("turn failed", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to process message")
		}
		return
	}
	JSON(w, http.StatusOK, result)
}

// SessionStatus handles GET /api/study/sessions/{sessionID}: the boundary
// view a client uses to decide whether more input is accepted.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status, err := h.mgr.Status(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, bot.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to read session status", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read session status")
		return
	}
	JSON(w, http.StatusOK, status)
}

// EndSession handles POST /api/study/sessions/{sessionID}/end. Both natural
// completion and early abandonment land here; the flag distinguishes them.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req endSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.mgr.EndSession(r.Context(), sessionID, req.Completed); err != nil {
		if errors.Is(err, bot.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to end session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ended": true, "completed": req.Completed})
}
