package terminal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
)

// FrameType identifies an attach-channel message.
type FrameType string

const (
	// Client to server.
	FrameInput  FrameType = "Input"
	FrameResize FrameType = "Resize"

	// Server to client.
	FrameOutput          FrameType = "Output"
	FrameGeometryChanged FrameType = "GeometryChanged"
	FrameExit            FrameType = "Exit"
)

// Frame is one attach-channel message. Data carries Input and Output
// bytes; Geometry carries Resize and GeometryChanged sizes.
type Frame struct {
	Type     FrameType
	Data     []byte
	Geometry domain.Geometry
}

// Subprotocols negotiated on the attach websocket.
const (
	SubprotocolJSON = "termshare.v1.json"
	SubprotocolCBOR = "termshare.v1.cbor"
)

// Codec converts frames to and from websocket messages.
type Codec interface {
	Name() string
	Encode(f Frame) (websocket.MessageType, []byte, error)
	Decode(typ websocket.MessageType, data []byte) (Frame, error)
}

// CodecFor returns the codec for a negotiated subprotocol. Peers that did
// not ask for one get JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return cborCodec{}
	}
	return jsonCodec{}
}

// jsonCodec is browser friendly: output travels as raw binary messages,
// control frames as small JSON text messages.
type jsonCodec struct{}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(f Frame) (websocket.MessageType, []byte, error) {
	switch f.Type {
	case FrameOutput:
		return websocket.MessageBinary, f.Data, nil
	case FrameInput:
		data, err := json.Marshal(string(f.Data))
		if err != nil {
			return 0, nil, err
		}
		return encodeJSONEnvelope(f.Type, data)
	case FrameResize, FrameGeometryChanged:
		data, err := json.Marshal(f.Geometry)
		if err != nil {
			return 0, nil, err
		}
		return encodeJSONEnvelope(f.Type, data)
	case FrameExit:
		return encodeJSONEnvelope(f.Type, nil)
	default:
		return 0, nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func encodeJSONEnvelope(t FrameType, data json.RawMessage) (websocket.MessageType, []byte, error) {
	out, err := json.Marshal(jsonEnvelope{Type: string(t), Data: data})
	if err != nil {
		return 0, nil, err
	}
	return websocket.MessageText, out, nil
}

// Decode accepts {"type":"Input","data":"..."} and
// {"type":"Resize","data":{"cols":C,"rows":R}}. Binary messages and text
// that is not a JSON envelope are raw input.
func (jsonCodec) Decode(typ websocket.MessageType, data []byte) (Frame, error) {
	if typ == websocket.MessageBinary {
		return Frame{Type: FrameInput, Data: data}, nil
	}

	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		// Fallback to raw data.
		return Frame{Type: FrameInput, Data: data}, nil
	}

	switch {
	case strings.EqualFold(env.Type, string(FrameInput)), strings.EqualFold(env.Type, "data"):
		var s string
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return Frame{}, fmt.Errorf("decode input payload: %w", err)
		}
		return Frame{Type: FrameInput, Data: []byte(s)}, nil
	case strings.EqualFold(env.Type, string(FrameResize)):
		var g domain.Geometry
		if err := json.Unmarshal(env.Data, &g); err != nil {
			return Frame{}, fmt.Errorf("decode resize payload: %w", err)
		}
		return Frame{Type: FrameResize, Geometry: g}, nil
	case strings.EqualFold(env.Type, string(FrameGeometryChanged)):
		var g domain.Geometry
		if err := json.Unmarshal(env.Data, &g); err != nil {
			return Frame{}, fmt.Errorf("decode geometry payload: %w", err)
		}
		return Frame{Type: FrameGeometryChanged, Geometry: g}, nil
	case strings.EqualFold(env.Type, string(FrameExit)):
		return Frame{Type: FrameExit}, nil
	default:
		return Frame{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// cborCodec carries every frame as one binary CBOR map.
type cborCodec struct{}

type cborFrame struct {
	Type string `cbor:"t"`
	Data []byte `cbor:"d,omitempty"`
	Cols uint16 `cbor:"c,omitempty"`
	Rows uint16 `cbor:"r,omitempty"`
}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Encode(f Frame) (websocket.MessageType, []byte, error) {
	out, err := cbor.Marshal(cborFrame{
		Type: string(f.Type),
		Data: f.Data,
		Cols: f.Geometry.Cols,
		Rows: f.Geometry.Rows,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("encode cbor frame: %w", err)
	}
	return websocket.MessageBinary, out, nil
}

func (cborCodec) Decode(_ websocket.MessageType, data []byte) (Frame, error) {
	var cf cborFrame
	if err := cbor.Unmarshal(data, &cf); err != nil {
		return Frame{}, fmt.Errorf("decode cbor frame: %w", err)
	}
	f := Frame{
		Type:     FrameType(cf.Type),
		Data:     cf.Data,
		Geometry: domain.Geometry{Cols: cf.Cols, Rows: cf.Rows},
	}
	switch f.Type {
	case FrameInput, FrameResize, FrameOutput, FrameGeometryChanged, FrameExit:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("unknown message type %q", cf.Type)
	}
}
