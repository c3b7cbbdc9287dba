// Package api provides HTTP handlers for the bridge's operational surface:
// health, runtime statistics, and the conflict resolution queue.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tesserbridge/bridge/internal/cache"
	"github.com/tesserbridge/bridge/internal/registry"
	"github.com/tesserbridge/bridge/internal/store"
	"github.com/tesserbridge/bridge/internal/trigger"
)

// Handler serves the HTTP API.
type Handler struct {
	repo     store.Repository
	reg      *registry.Registry
	cache    *cache.Cache
	triggers *trigger.Engine
}

// NewHandler creates a Handler with the bridge's runtime components.
func NewHandler(repo store.Repository, reg *registry.Registry, c *cache.Cache, triggers *trigger.Engine) *Handler {
	return &Handler{
		repo:     repo,
		reg:      reg,
		cache:    c,
		triggers: triggers,
	}
}

// RegisterRoutes mounts the API on a chi router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/stats", h.Stats)
	r.Get("/api/conflicts", h.ListConflicts)
	r.Post("/api/conflicts/{id}/resolve", h.ResolveConflict)
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

// Health reports process and database health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"db":     err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats reports live counts for sessions, the cache tiers, and triggers.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"active_sessions": h.reg.ActiveCount(),
		"cache":           h.cache.Stats(),
		"triggers":        h.triggers.Stats(),
	})
}
