package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/identity"
	"github.com/ashureev/termshare/internal/terminal"
	"github.com/go-chi/chi/v5"
)

const statsTimeout = time.Second

// SessionsHandler serves /api/sessions.
type SessionsHandler struct {
	*Handler
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(base *Handler) *SessionsHandler {
	return &SessionsHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{name}", h.Get)
		r.Delete("/{name}", h.Delete)
	})
}

type createSessionRequest struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Policy string `json:"policy"`
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
}

// List returns every live session, oldest first.
func (h *SessionsHandler) List(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sm.List())
}

// Create starts a new session.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := req.Name
	if name == "" {
		name = req.ID
	}
	policy, err := domain.ParseResizePolicy(req.Policy)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := terminal.CreateOptions{Policy: policy}
	if req.Cols > 0 && req.Rows > 0 {
		opts.Geometry = &domain.Geometry{Cols: req.Cols, Rows: req.Rows}
	}

	// Spawning must not be cut short by the creator hanging up.
	s, err := h.sm.Create(context.WithoutCancel(r.Context()), name, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("Session created via API", "session", name, "device_id", identity.DeviceIDFromContext(r.Context()))
	JSON(w, http.StatusCreated, s.Info())
}

// Get returns one session with its attached clients and process stats.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.sm.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}

	detail := s.Detail()
	if h.inspect != nil && detail.PID > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
		stats, err := h.inspect(ctx, detail.PID)
		cancel()
		if err != nil {
			slog.Debug("Failed to sample shell process", "session", detail.Name, "pid", detail.PID, "error", err)
		} else {
			detail.Process = stats
		}
	}
	JSON(w, http.StatusOK, detail)
}

// Delete terminates a session.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.sm.Delete(context.WithoutCancel(r.Context()), name); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("Failed to delete session", "session", name, "error", err)
		}
		writeError(w, err)
		return
	}

	slog.Info("Session deleted via API", "session", name, "device_id", identity.DeviceIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
