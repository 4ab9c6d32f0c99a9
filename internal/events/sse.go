package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/termshare/internal/identity"
)

// StreamConfig tunes the SSE transport.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// Handler serves the lifecycle event stream over Server-Sent Events.
type Handler struct {
	b       *Broadcaster
	cfg     StreamConfig
	streams atomic.Int64
}

// NewHandler creates an SSE handler for b.
func NewHandler(b *Broadcaster, cfg StreamConfig) *Handler {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Handler{b: b, cfg: cfg}
}

// ActiveStreams returns the number of connected observers.
func (h *Handler) ActiveStreams() int64 {
	return h.streams.Load()
}

// HandleStream serves GET /api/events. Observers get a retry hint, a
// connected event, then one "message" event per lifecycle event, with
// periodic pings in between. The stream ends when the observer goes away,
// the broker shuts down or the observer falls behind.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	deviceID := identity.DeviceIDFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Configure client retry behavior
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "device_id", deviceID)
		return
	}

	sub := h.b.Subscribe()
	defer sub.Close()
	h.streams.Add(1)
	defer h.streams.Add(-1)

	connected := fmt.Sprintf(`{"status":"connected","subscriber":%d}`, sub.ID)
	if err := writeSSE(w, "connected", connected); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "device_id", deviceID)
		return
	}
	flusher.Flush()
	slog.Info("Event stream connected", "subscriber", sub.ID, "device_id", deviceID)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Event stream disconnected", "subscriber", sub.ID)
			return
		case evt, ok := <-sub.C:
			if !ok {
				slog.Info("Event stream ended by broker", "subscriber", sub.ID, "dropped", sub.Dropped())
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				slog.Error("failed to marshal lifecycle event", "error", err)
				continue
			}
			if err := writeSSEWithID(w, evt.Seq, "message", string(data)); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "subscriber", sub.ID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "subscriber", sub.ID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
