package api

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nkoval/empathy-study/internal/assign"
	"github.com/nkoval/empathy-study/internal/export"
)

// Statistics handles GET /api/admin/statistics: persisted study totals plus
// the live lifecycle and assignment views.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetStatistics(r.Context())
	if err != nil {
		slog.Error("failed to read statistics", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read statistics")
		return
	}

	dist, err := h.repo.GetDistribution(r.Context())
	if err != nil {
		slog.Error("failed to read distribution", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read statistics")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"study":      stats,
		"assignment": assign.BuildReport(dist),
		"lifecycle":  h.mgr.Tracker().Stats(),
		"live":       h.mgr.LiveSessions(),
	})
}

// CrisisFlags handles GET /api/admin/crisis-flags. Pass unreviewed=true to
// see only flags still awaiting review.
func (h *Handler) CrisisFlags(w http.ResponseWriter, r *http.Request) {
	unreviewedOnly := r.URL.Query().Get("unreviewed") == "true"

	flags, err := h.repo.ListCrisisFlags(r.Context(), unreviewedOnly)
	if err != nil {
		slog.Error("failed to list crisis flags", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list crisis flags")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"count": len(flags),
		"flags": flags,
	})
}

// ReviewCrisisFlag handles POST /api/admin/crisis-flags/{flagID}/review.
// Flags are only ever marked reviewed, never deleted.
func (h *Handler) ReviewCrisisFlag(w http.ResponseWriter, r *http.Request) {
	flagID, err := strconv.ParseInt(chi.URLParam(r, "flagID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid flag id")
		return
	}

	if err := h.repo.MarkCrisisFlagReviewed(r.Context(), flagID); err != nil {
		slog.Error("failed to review crisis flag", "flag_id", flagID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to review crisis flag")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"reviewed": true})
}

// Export handles GET /api/admin/export/{exportType}: writes a CSV file on the
// server, records it in the export log, and serves it as a download. Pass
// ?download=false to get just the file path and row counts.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	exportType := chi.URLParam(r, "exportType")

	var run func() (*export.Result, error)
	switch exportType {
	case "conversations":
		run = func() (*export.Result, error) { return h.exporter.Conversations(r.Context()) }
	case "participants":
		run = func() (*export.Result, error) { return h.exporter.Participants(r.Context()) }
	case "crisis-flags":
		run = func() (*export.Result, error) { return h.exporter.CrisisFlags(r.Context()) }
	default:
		Error(w, http.StatusBadRequest, "unknown export type")
		return
	}

	res, err := run()
	if err != nil {
		slog.Error("export failed", "type", exportType, "error", err)
		Error(w, http.StatusInternalServerError, "export failed")
		return
	}

	if r.URL.Query().Get("download") == "false" {
		JSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(res.FilePath))
	http.ServeFile(w, r, res.FilePath)
}

// Participants handles GET /api/admin/participants.
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.repo.ListParticipants(r.Context())
	if err != nil {
		slog.Error("failed to list participants", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list participants")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(participants),
		"participants": participants,
	})
}

// Conversation handles GET /api/admin/participants/{participantID}/messages.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")

	p, err := h.repo.GetParticipant(r.Context(), participantID)
	if err != nil {
		slog.Error("failed to load participant", "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load participant")
		return
	}
	if p == nil {
		Error(w, http.StatusNotFound, "participant not found")
		return
	}

	msgs, err := h.repo.GetConversation(r.Context(), participantID, 0)
	if err != nil {
		slog.Error("failed to load conversation", "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"participant": p,
		"messages":    msgs,
	})
}
