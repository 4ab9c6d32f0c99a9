package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/termshare/internal/store"
	"github.com/ashureev/termshare/internal/terminal"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	sm   *terminal.SessionManager
	repo store.Repository
}

// NewHealthHandler creates a new health handler. repo may be nil.
func NewHealthHandler(sm *terminal.SessionManager, repo store.Repository) *HealthHandler {
	return &HealthHandler{sm: sm, repo: repo}
}

// Health returns the health status of the broker and its journal.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := map[string]any{
		"status":   "healthy",
		"sessions": h.sm.Count(),
		"database": "disabled",
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			status["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
