package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionSweepInterval = time.Hour

// StartRetentionWorker periodically deletes closed session records older
// than retention. A retention of zero keeps records forever.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(retentionSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Journal retention worker started", "interval", retentionSweepInterval, "retention", retention)

		pruneExpired(ctx, repo, retention)
		for {
			select {
			case <-ticker.C:
				pruneExpired(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Journal retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneExpired(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PruneSessionRecords(ctx, retention)
	if err != nil {
		slog.Error("Journal retention worker failed to prune records", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Journal retention worker pruned records", "count", deleted)
	}
}
