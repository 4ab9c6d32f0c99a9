package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/ashureev/termshare/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
	defaultLimit   = 50
	maxLimit       = 500
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL lets history reads proceed while the broker journals.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		backend TEXT NOT NULL,
		policy TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		closed_at INTEGER,
		reason TEXT,
		exit_code INTEGER,
		transcript BLOB,
		transcript_size INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_closed ON sessions(closed_at) WHERE closed_at IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// RecordSessionCreated inserts the record for a new session.
func (s *SQLiteStore) RecordSessionCreated(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (id, name, backend, policy, created_at)
	VALUES (?, ?, ?, ?, ?)`

	return s.withRetry(ctx, "record session created", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.Name, rec.Backend, string(rec.Policy), rec.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// RecordSessionClosed marks a session closed and stores its transcript.
func (s *SQLiteStore) RecordSessionClosed(ctx context.Context, id string, closedAt time.Time, reason string, exitCode *int, transcript []byte) error {
	query := `
	UPDATE sessions
	SET closed_at = ?, reason = ?, exit_code = ?, transcript = ?, transcript_size = ?
	WHERE id = ? AND closed_at IS NULL`

	var code any
	if exitCode != nil {
		code = *exitCode
	}
	compressed := compressTranscript(transcript)

	var rows int64
	err := s.withRetry(ctx, "record session closed", func() error {
		result, err := s.db.ExecContext(ctx, query,
			closedAt.UnixMilli(), reason, code, compressed, len(transcript), id,
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("RecordSessionClosed affected 0 rows", "session_id", id)
	}
	slog.Debug("Session journaled", "session_id", id, "transcript_bytes", len(transcript), "stored_bytes", len(compressed))
	return nil
}

// ListSessionRecords returns the most recent records, newest first.
func (s *SQLiteStore) ListSessionRecords(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	query := `
		SELECT id, name, backend, policy, created_at, closed_at, reason, exit_code, transcript_size
		FROM sessions ORDER BY created_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session record rows", "error", closeErr)
		}
	}()

	var records []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return records, nil
}

// GetSessionRecord returns one record, or domain.ErrNotFound.
func (s *SQLiteStore) GetSessionRecord(ctx context.Context, id string) (*domain.SessionRecord, error) {
	query := `
		SELECT id, name, backend, policy, created_at, closed_at, reason, exit_code, transcript_size
		FROM sessions WHERE id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session record: %w", err)
	}
	return rec, nil
}

// GetTranscript returns the decompressed transcript of a closed session.
// Sessions that are still open have no transcript yet.
func (s *SQLiteStore) GetTranscript(ctx context.Context, id string) ([]byte, error) {
	query := `SELECT transcript, transcript_size, closed_at FROM sessions WHERE id = ?`

	var (
		blob     []byte
		size     int
		closedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&blob, &size, &closedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !closedAt.Valid) {
		return nil, fmt.Errorf("%w: transcript %q", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	return decompressTranscript(blob, size)
}

// CloseAbandoned closes records a previous run left open. Their shells
// died with that process, so no transcript survives.
func (s *SQLiteStore) CloseAbandoned(ctx context.Context, at time.Time) (int64, error) {
	query := `UPDATE sessions SET closed_at = ?, reason = ? WHERE closed_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, at.UnixMilli(), domain.ReasonAbandoned)
	if err != nil {
		return 0, fmt.Errorf("close abandoned sessions: %w", err)
	}
	return result.RowsAffected()
}

// PruneSessionRecords deletes closed records older than retention.
func (s *SQLiteStore) PruneSessionRecords(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	query := `DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`

	var deleted int64
	err := s.withRetry(ctx, "prune session records", func() error {
		result, err := s.db.ExecContext(ctx, query, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// withRetry runs a write, backing off on SQLite lock contention: 100ms,
// 200ms, 400ms.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := range writeRetries {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			break
		}

		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.SessionRecord, error) {
	var (
		rec       domain.SessionRecord
		policy    string
		createdAt int64
		closedAt  sql.NullInt64
		reason    sql.NullString
		exitCode  sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.Backend, &policy,
		&createdAt, &closedAt, &reason, &exitCode, &rec.TranscriptSize,
	); err != nil {
		return nil, err
	}

	rec.Policy = domain.ResizePolicy(policy)
	rec.CreatedAt = time.UnixMilli(createdAt)
	if closedAt.Valid {
		ts := time.UnixMilli(closedAt.Int64)
		rec.ClosedAt = &ts
	}
	rec.Reason = reason.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}
