// Package store persists the session journal.
package store

import (
	"context"
	"time"

	"github.com/ashureev/termshare/internal/domain"
)

// Repository is the session journal: one record per session ever created,
// closed ones carrying a compressed transcript of their final scrollback.
type Repository interface {
	// RecordSessionCreated inserts the record for a new session.
	RecordSessionCreated(ctx context.Context, rec *domain.SessionRecord) error

	// RecordSessionClosed marks a session closed and stores its transcript.
	RecordSessionClosed(ctx context.Context, id string, closedAt time.Time, reason string, exitCode *int, transcript []byte) error

	// ListSessionRecords returns the most recent records, newest first.
	ListSessionRecords(ctx context.Context, limit int) ([]*domain.SessionRecord, error)

	// GetSessionRecord returns one record, or domain.ErrNotFound.
	GetSessionRecord(ctx context.Context, id string) (*domain.SessionRecord, error)

	// GetTranscript returns the decompressed transcript of a closed session.
	GetTranscript(ctx context.Context, id string) ([]byte, error)

	// CloseAbandoned closes records a previous run left open.
	CloseAbandoned(ctx context.Context, at time.Time) (int64, error)

	// PruneSessionRecords deletes closed records older than retention.
	PruneSessionRecords(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
