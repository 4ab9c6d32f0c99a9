package terminal

import (
	"context"

	"github.com/ashureev/termshare/internal/domain"
)

// Process is one shell bound to a terminal device.
//
// Output delivers everything the shell writes and is closed exactly once,
// after the shell has exited and its remaining output has been delivered.
// Write must drop input silently once the shell is gone.
type Process interface {
	Write(p []byte) (int, error)
	Output() <-chan []byte
	// Resize is a no-op when g equals the current size.
	Resize(g domain.Geometry) error
	// Terminate asks the shell to stop and escalates if it does not.
	// It does not wait; the closing of Output reports completion.
	Terminate() error
	PID() int
	// ExitCode is meaningful once Output is closed; -1 when unknown.
	ExitCode() int
}

// SpawnSpec describes the shell to start for a session.
type SpawnSpec struct {
	SessionID string
	Name      string
	Geometry  domain.Geometry
}

// Spawner starts shells. Implementations must not retry on failure.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
	Backend() string
}
