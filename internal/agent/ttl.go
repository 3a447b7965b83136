package agent

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = 5 * time.Minute

// SessionSweeper deletes conversations idle for longer than a TTL.
type SessionSweeper interface {
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// StartTTLWorker runs a background goroutine that periodically drops
// server-side conversation copies idle for longer than ttl. Profiles are
// never touched.
func StartTTLWorker(ctx context.Context, sweeper SessionSweeper, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = ttlWorkerInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredSessions(ctx, sweeper, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredSessions(ctx context.Context, sweeper SessionSweeper, ttl time.Duration) int64 {
	deleted, err := sweeper.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to cleanup expired sessions", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("TTL worker cleaned up expired sessions", "count", deleted)
	}
	return deleted
}
