//go:build windows

package terminal

import (
	"context"
	"errors"
	"time"
)

// PTYConfig configures local shells.
type PTYConfig struct {
	Command        string
	Args           []string
	WorkDir        string
	Env            []string
	TerminateGrace time.Duration
}

// PTYSpawner is unavailable on this platform; use the docker backend.
type PTYSpawner struct{}

// NewPTYSpawner creates a spawner that always fails.
func NewPTYSpawner(PTYConfig) *PTYSpawner { return &PTYSpawner{} }

// Backend implements Spawner.
func (s *PTYSpawner) Backend() string { return "pty" }

// Spawn implements Spawner.
func (s *PTYSpawner) Spawn(context.Context, SpawnSpec) (Process, error) {
	return nil, errors.New("pty backend is not supported on windows")
}
