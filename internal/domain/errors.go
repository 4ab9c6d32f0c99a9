package domain

import "errors"

var (
	// ErrNameConflict is returned when creating a session whose name is taken.
	ErrNameConflict = errors.New("session name already in use")
	// ErrSpawnFailed wraps the reason a shell could not be started.
	ErrSpawnFailed = errors.New("failed to spawn shell")
	// ErrNotFound is returned for operations on unknown sessions.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidName rejects names that cannot be used in URLs.
	ErrInvalidName = errors.New("invalid session name")
	// ErrSessionClosed is returned when attaching to a terminating session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrRegistryClosed is returned after the registry has been shut down.
	ErrRegistryClosed = errors.New("registry is shut down")
)
