package terminal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func newAttachServer(t *testing.T, m *SessionManager) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/{name}", NewWebSocketHandler(m, []string{"*"}, true).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, subprotocol string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{subprotocol}})
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

// readFrame decodes a server message the way a browser would: binary
// messages are output, text messages are JSON control envelopes.
func readFrame(t *testing.T, ws *websocket.Conn, codec Codec) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if codec.Name() == "json" && typ == websocket.MessageBinary {
		return Frame{Type: FrameOutput, Data: data}
	}
	f, err := codec.Decode(typ, data)
	if err != nil {
		t.Fatalf("Decode(%q) error = %v", data, err)
	}
	return f
}

func writeMessage(t *testing.T, ws *websocket.Conn, typ websocket.MessageType, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, typ, []byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestWebSocketAttachRoundTrip(t *testing.T) {
	t.Parallel()

	m, spawner, _ := newTestManager(t, domain.PolicyLargest)
	s := mustCreate(t, m, "shell")
	url := newAttachServer(t, m)

	ws := dial(t, url+"/ws/shell?cols=100&rows=30", SubprotocolJSON)
	if ws.Subprotocol() != SubprotocolJSON {
		t.Fatalf("Subprotocol() = %q", ws.Subprotocol())
	}
	codec := CodecFor(SubprotocolJSON)

	if f := readFrame(t, ws, codec); f.Type != FrameGeometryChanged || f.Geometry != domain.DefaultGeometry {
		t.Fatalf("first frame = %+v", f)
	}
	if f := readFrame(t, ws, codec); f.Type != FrameGeometryChanged || f.Geometry != geom(100, 30) {
		t.Fatalf("second frame = %+v, want GeometryChanged 100x30", f)
	}

	p := spawner.proc("shell")
	writeMessage(t, ws, websocket.MessageText, `{"type":"Input","data":"pwd\r"}`)
	writeMessage(t, ws, websocket.MessageBinary, "\x03")
	waitFor(t, "shell input", func() bool { return p.written() == "pwd\r\x03" })

	writeMessage(t, ws, websocket.MessageText, `{"type":"Resize","data":{"cols":140,"rows":50}}`)
	if f := readFrame(t, ws, codec); f.Type != FrameGeometryChanged || f.Geometry != geom(140, 50) {
		t.Fatalf("frame after resize = %+v", f)
	}

	p.emit("/home/demo\r\n")
	if f := readFrame(t, ws, codec); f.Type != FrameOutput || string(f.Data) != "/home/demo\r\n" {
		t.Fatalf("output frame = %s %q", f.Type, f.Data)
	}

	p.exit(0)
	if f := readFrame(t, ws, codec); f.Type != FrameExit {
		t.Fatalf("frame after exit = %s, want Exit", f.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", status, err)
	}
	<-s.Done()
}

func TestWebSocketCBORSubprotocol(t *testing.T) {
	t.Parallel()

	m, spawner, _ := newTestManager(t, domain.PolicyLargest)
	mustCreate(t, m, "binary")
	url := newAttachServer(t, m)

	ws := dial(t, url+"/ws/binary", SubprotocolCBOR)
	codec := CodecFor(SubprotocolCBOR)

	if f := readFrame(t, ws, codec); f.Type != FrameGeometryChanged {
		t.Fatalf("first frame = %+v", f)
	}

	_, msg, err := codec.Encode(Frame{Type: FrameInput, Data: []byte("whoami\r")})
	if err != nil {
		t.Fatal(err)
	}
	writeMessage(t, ws, websocket.MessageBinary, string(msg))
	waitFor(t, "shell input", func() bool { return spawner.proc("binary").written() == "whoami\r" })

	spawner.proc("binary").emit("demo\r\n")
	if f := readFrame(t, ws, codec); f.Type != FrameOutput || string(f.Data) != "demo\r\n" {
		t.Fatalf("output frame = %s %q", f.Type, f.Data)
	}
}

func TestWebSocketDisconnectDetaches(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, domain.PolicyLargest)
	s := mustCreate(t, m, "leave")
	url := newAttachServer(t, m)

	ws := dial(t, url+"/ws/leave", SubprotocolJSON)
	readFrame(t, ws, CodecFor(SubprotocolJSON))
	waitFor(t, "attach", func() bool { return s.Info().Clients == 1 })

	ws.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "detach", func() bool { return s.Info().Clients == 0 })
	if s.State() != domain.StateActive {
		t.Errorf("State() = %v, want active after last client left", s.State())
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, domain.PolicyLargest)
	url := newAttachServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url+"/ws/missing", nil)
	if err == nil {
		t.Fatal("Dial() to unknown session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %+v, want 404", resp)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, domain.PolicyLargest)
	mustCreate(t, m, "guarded")
	h := NewWebSocketHandler(m, []string{"https://term.example.com"}, false)

	r := chi.NewRouter()
	r.Get("/ws/{name}", h.ServeHTTP)
	req := httptest.NewRequest(http.MethodGet, "/ws/guarded", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestViewportFromQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  *domain.Geometry
	}{
		{"cols=120&rows=40", vp(120, 40)},
		{"cols=120", nil},
		{"cols=abc&rows=40", nil},
		{"cols=70000&rows=40", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := viewportFromQuery(httptest.NewRequest(http.MethodGet, "/ws/x?"+tt.query, nil))
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("viewportFromQuery(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}
