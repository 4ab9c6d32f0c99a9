// Package api provides HTTP handlers for the broker's REST surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/procstats"
	"github.com/ashureev/termshare/internal/store"
	"github.com/ashureev/termshare/internal/terminal"
)

// defaultMaxRequestBodySize bounds JSON request bodies.
const defaultMaxRequestBodySize = 64 << 10

// ProcessInspector samples a shell's resource usage.
type ProcessInspector func(ctx context.Context, pid int) (*domain.ProcessStats, error)

// Handler provides common handler utilities.
type Handler struct {
	sm      *terminal.SessionManager
	journal store.Repository
	inspect ProcessInspector
}

// NewHandler creates a new Handler. journal is nil when journaling is off.
func NewHandler(sm *terminal.SessionManager, journal store.Repository) *Handler {
	return &Handler{
		sm:      sm,
		journal: journal,
		inspect: procstats.Inspect,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps broker errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, domain.ErrSpawnFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "status", status)
	}
	Error(w, status, err.Error())
}
