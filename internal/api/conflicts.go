package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tesserbridge/bridge/internal/identity"
)

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// ListConflicts returns the human-resolution queue, oldest first.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	pending, err := h.repo.PendingConflicts(r.Context())
	if err != nil {
		slog.Error("failed to list pending conflicts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

// ResolveConflict marks a queued conflict resolved. The resolution text is
// free-form and recorded for audit.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		Error(w, http.StatusBadRequest, "missing conflict id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Resolution = strings.TrimSpace(req.Resolution)
	if req.Resolution == "" {
		Error(w, http.StatusBadRequest, "resolution is required")
		return
	}

	if err := h.repo.ResolveConflict(r.Context(), id, req.Resolution); err != nil {
		slog.Warn("conflict resolution failed",
			"conflict_id", id, "peer_id", identity.PeerIDFromContext(r.Context()), "error", err)
		Error(w, http.StatusNotFound, "conflict not found or already resolved")
		return
	}

	slog.Info("conflict resolved",
		"conflict_id", id, "peer_id", identity.PeerIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}
