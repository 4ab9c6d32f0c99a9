// Package domain holds the types shared between the broker, its HTTP
// surface and the session journal.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Geometry is a terminal size in character cells.
type Geometry struct {
	Cols uint16 `json:"cols" cbor:"c"`
	Rows uint16 `json:"rows" cbor:"r"`
}

// DefaultGeometry matches the size a freshly spawned shell gets when the
// creator does not ask for one.
var DefaultGeometry = Geometry{Cols: 80, Rows: 24}

// Clamp raises each dimension to at least one cell.
func (g Geometry) Clamp() Geometry {
	if g.Cols < 1 {
		g.Cols = 1
	}
	if g.Rows < 1 {
		g.Rows = 1
	}
	return g
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Cols, g.Rows)
}

// State is a session lifecycle state.
type State int

const (
	StateActive State = iota
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names MarshalText produces.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = StateActive
	case "terminating":
		*s = StateTerminating
	case "closed":
		*s = StateClosed
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// ResizePolicy selects how the geometries declared by attached clients are
// folded into one session geometry.
type ResizePolicy string

const (
	// PolicyLargest sizes the pty to the largest client; smaller clients overflow.
	PolicyLargest ResizePolicy = "largest"
	// PolicySmallest constrains every client to the smallest participant.
	PolicySmallest ResizePolicy = "smallest"
)

// ParseResizePolicy accepts the policy names plus the "largest-fit" and
// "smallest-fit" spellings. Empty input yields the zero value.
func ParseResizePolicy(s string) (ResizePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "largest", "largest-fit", "max":
		return PolicyLargest, nil
	case "smallest", "smallest-fit", "min":
		return PolicySmallest, nil
	default:
		return "", fmt.Errorf("unknown resize policy %q", s)
	}
}

// Termination reasons recorded in the journal and logs.
const (
	ReasonExited   = "exited"
	ReasonDeleted  = "deleted"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"

	// ReasonAbandoned marks journal records left open by a crashed run.
	ReasonAbandoned = "abandoned"
)

// SessionInfo is the descriptor returned by list and create.
type SessionInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     State        `json:"state"`
	Geometry  Geometry     `json:"geometry"`
	Policy    ResizePolicy `json:"policy"`
	Backend   string       `json:"backend"`
	Clients   int          `json:"clients"`
	PID       int          `json:"pid,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ClientInfo describes one attached client connection.
type ClientInfo struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Codec      string    `json:"codec"`
	Viewport   *Geometry `json:"viewport,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
}

// ProcessStats is a point-in-time sample of the shell process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	Command    string  `json:"command,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

// SessionDetail is the single-session view.
type SessionDetail struct {
	SessionInfo
	ScrollbackBytes int           `json:"scrollback_bytes"`
	AttachedClients []ClientInfo  `json:"attached_clients"`
	Process         *ProcessStats `json:"process,omitempty"`
}
