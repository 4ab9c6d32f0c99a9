package terminal

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/termshare/internal/domain"
)

const (
	minIdleSweepInterval = time.Second
	maxIdleSweepInterval = time.Minute
)

// StartIdleReaper runs a background goroutine that closes active sessions
// nobody has been attached to for longer than timeout. A timeout of zero
// disables it.
func StartIdleReaper(ctx context.Context, m *SessionManager, timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	interval := min(max(timeout/4, minIdleSweepInterval), maxIdleSweepInterval)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle reaper started", "interval", interval, "idle_timeout", timeout)

		for {
			select {
			case now := <-ticker.C:
				if reaped := m.ReapIdle(ctx, timeout, now); reaped > 0 {
					slog.Info("Idle reaper closed sessions", "count", reaped)
				}
			case <-ctx.Done():
				slog.Info("Idle reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReapIdle closes every active session that has had no clients for at
// least timeout as of now, and returns how many it closed.
func (m *SessionManager) ReapIdle(ctx context.Context, timeout time.Duration, now time.Time) int {
	reaped := 0
	for _, s := range m.snapshot() {
		idle, ok := s.IdleFor(now)
		if !ok || idle < timeout {
			continue
		}

		slog.Info("Closing idle session", "session", s.name, "idle", idle.Round(time.Second))
		closeCtx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
		s.Close(closeCtx, domain.ReasonIdle)
		cancel()
		m.remove(s)
		reaped++
	}
	return reaped
}
