package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// HistoryHandler serves the session journal.
type HistoryHandler struct {
	*Handler
}

// NewHistoryHandler creates a history handler.
func NewHistoryHandler(base *Handler) *HistoryHandler {
	return &HistoryHandler{Handler: base}
}

// RegisterRoutes registers journal routes.
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/history", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/transcript", h.Transcript)
	})
}

// List returns recent session records, newest first.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		Error(w, http.StatusNotFound, "session journal is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.journal.ListSessionRecords(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		JSON(w, http.StatusOK, []any{})
		return
	}
	JSON(w, http.StatusOK, records)
}

// Get returns one session record.
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		Error(w, http.StatusNotFound, "session journal is disabled")
		return
	}

	rec, err := h.journal.GetSessionRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, rec)
}

// Transcript returns the final scrollback of a closed session as raw
// terminal output.
func (h *HistoryHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		Error(w, http.StatusNotFound, "session journal is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	transcript, err := h.journal.GetTranscript(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+id+`.log"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(transcript)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transcript)
}
