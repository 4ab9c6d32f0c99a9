package terminal

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	maxMessageSize = 1 << 20 // large pastes
	writeTimeout   = 10 * time.Second
)

// WebSocketHandler attaches websocket peers to sessions.
type WebSocketHandler struct {
	sm             *SessionManager
	allowedOrigins []string
	isDev          bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sm *SessionManager, allowedOrigins []string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		sm:             sm,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// ServeHTTP upgrades GET /ws/{name} and runs the attach channel until the
// peer goes away or the session ends.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deviceID := identity.DeviceIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "session", name, "device_id", deviceID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	session, err := h.sm.Get(name)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{SubprotocolJSON, SubprotocolCBOR},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session", name)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	codec := CodecFor(ws.Subprotocol())
	client := NewClient(ClientOptions{
		DeviceID:   deviceID,
		RemoteAddr: identity.IPFromRequest(r),
		Codec:      codec.Name(),
		QueueSize:  h.sm.ClientQueueSize(),
	})

	if err := session.Attach(client, viewportFromQuery(r)); err != nil {
		slog.Info("Attach refused", "session", name, "error", err)
		if errors.Is(err, domain.ErrSessionClosed) {
			writeFrame(ws, codec, Frame{Type: FrameExit})
		}
		if closeErr := ws.Close(websocket.StatusNormalClosure, CloseReasonEnded); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
		return
	}

	// Input loop: WebSocket -> session.
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		defer session.Detach(client)
		h.inputLoop(r.Context(), ws, codec, session, client)
	}()

	// Output loop: session -> WebSocket. It ends once the client is
	// detached for any reason, or on a write error.
	h.outputLoop(ws, codec, client)
	session.Detach(client)

	status := websocket.StatusNormalClosure
	reason := client.CloseReason()
	if reason == CloseReasonSlow {
		status = websocket.StatusPolicyViolation
	}
	if closeErr := ws.Close(status, reason); closeErr != nil {
		slog.Debug("Failed to close websocket", "error", closeErr, "client_id", client.ID())
	}
	<-inputDone
	slog.Info("Client connection ended", "session", name, "client_id", client.ID(), "reason", reason)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, codec Codec, session *Session, client *Client) {
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "client_id", client.ID())
			} else {
				slog.Warn("WebSocket read error", "error", err, "client_id", client.ID())
			}
			return
		}

		frame, err := codec.Decode(typ, message)
		if err != nil {
			slog.Debug("Ignoring malformed frame", "error", err, "client_id", client.ID())
			continue
		}

		switch frame.Type {
		case FrameInput:
			if err := session.Input(client, frame.Data); err != nil {
				if !errors.Is(err, domain.ErrSessionClosed) {
					slog.Error("Shell write error", "error", err, "client_id", client.ID())
				}
				return
			}
		case FrameResize:
			session.Resize(client, frame.Geometry)
		default:
			slog.Debug("Ignoring frame from client", "type", frame.Type, "client_id", client.ID())
		}
	}
}

func (h *WebSocketHandler) outputLoop(ws *websocket.Conn, codec Codec, client *Client) {
	for {
		frame, ok := client.Next()
		if !ok {
			return
		}
		if err := writeFrame(ws, codec, frame); err != nil {
			slog.Debug("WebSocket write error", "error", err, "client_id", client.ID())
			return
		}
	}
}

func writeFrame(ws *websocket.Conn, codec Codec, f Frame) error {
	typ, data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, typ, data)
}

// viewportFromQuery reads an optional initial viewport from ?cols=&rows=.
func viewportFromQuery(r *http.Request) *domain.Geometry {
	cols, errC := strconv.ParseUint(r.URL.Query().Get("cols"), 10, 16)
	rows, errR := strconv.ParseUint(r.URL.Query().Get("rows"), 10, 16)
	if errC != nil || errR != nil {
		return nil
	}
	return &domain.Geometry{Cols: uint16(cols), Rows: uint16(rows)}
}
