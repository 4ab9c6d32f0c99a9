package terminal

import (
	"bytes"
	"testing"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/coder/websocket"
)

func TestJSONCodecDecodesClientMessages(t *testing.T) {
	t.Parallel()

	codec := CodecFor("")
	tests := []struct {
		name string
		typ  websocket.MessageType
		in   string
		want Frame
	}{
		{"input", websocket.MessageText, `{"type":"Input","data":"ls -la\n"}`,
			Frame{Type: FrameInput, Data: []byte("ls -la\n")}},
		{"resize", websocket.MessageText, `{"type":"Resize","data":{"rows":40,"cols":120}}`,
			Frame{Type: FrameResize, Geometry: domain.Geometry{Cols: 120, Rows: 40}}},
		{"lowercase data alias", websocket.MessageText, `{"type":"data","data":"x"}`,
			Frame{Type: FrameInput, Data: []byte("x")}},
		{"raw text fallback", websocket.MessageText, "echo hi\r",
			Frame{Type: FrameInput, Data: []byte("echo hi\r")}},
		{"binary is raw input", websocket.MessageBinary, "\x1b[A",
			Frame{Type: FrameInput, Data: []byte("\x1b[A")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := codec.Decode(tt.typ, []byte(tt.in))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Type != tt.want.Type || !bytes.Equal(got.Data, tt.want.Data) || got.Geometry != tt.want.Geometry {
				t.Fatalf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestJSONCodecRejectsUnknownType(t *testing.T) {
	t.Parallel()

	if _, err := CodecFor("").Decode(websocket.MessageText, []byte(`{"type":"Teleport"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestJSONCodecEncodesServerFrames(t *testing.T) {
	t.Parallel()

	codec := CodecFor(SubprotocolJSON)

	typ, data, err := codec.Encode(Frame{Type: FrameOutput, Data: []byte("hello")})
	if err != nil || typ != websocket.MessageBinary || string(data) != "hello" {
		t.Fatalf("Output encoded as %v %q %v", typ, data, err)
	}

	typ, data, err = codec.Encode(Frame{Type: FrameGeometryChanged, Geometry: domain.Geometry{Cols: 100, Rows: 30}})
	if err != nil || typ != websocket.MessageText {
		t.Fatalf("GeometryChanged encoded as %v %v", typ, err)
	}
	if want := `{"type":"GeometryChanged","data":{"cols":100,"rows":30}}`; string(data) != want {
		t.Errorf("GeometryChanged = %s, want %s", data, want)
	}

	_, data, err = codec.Encode(Frame{Type: FrameExit})
	if err != nil || string(data) != `{"type":"Exit"}` {
		t.Errorf("Exit = %s, %v", data, err)
	}
}

func TestCBORCodecCarriesFramesIntact(t *testing.T) {
	t.Parallel()

	codec := CodecFor(SubprotocolCBOR)
	if codec.Name() != "cbor" {
		t.Fatalf("Name() = %q", codec.Name())
	}

	in := Frame{Type: FrameResize, Geometry: domain.Geometry{Cols: 132, Rows: 43}}
	typ, data, err := codec.Encode(in)
	if err != nil || typ != websocket.MessageBinary {
		t.Fatalf("Encode() = %v, %v", typ, err)
	}
	out, err := codec.Decode(typ, data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Type != in.Type || out.Geometry != in.Geometry {
		t.Fatalf("Decode() = %+v, want %+v", out, in)
	}

	if _, err := codec.Decode(websocket.MessageBinary, []byte{0xff, 0x00}); err == nil {
		t.Error("expected error for malformed CBOR")
	}
}
