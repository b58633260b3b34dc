// Package retention prunes old call records.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes call records that started before a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartCleanupTicker runs a background goroutine that removes call records
// older than maxAge every interval. A non-positive maxAge disables cleanup.
// The goroutine stops when ctx is cancelled.
func StartCleanupTicker(ctx context.Context, records Pruner, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		return
	}
	logger = logger.With("subsystem", "retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				Prune(ctx, records, maxAge, time.Now(), logger)
			}
		}
	}()
}

// Prune removes records that started more than maxAge before now.
func Prune(ctx context.Context, records Pruner, maxAge time.Duration, now time.Time, logger *slog.Logger) int64 {
	n, err := records.DeleteBefore(ctx, now.Add(-maxAge))
	if err != nil {
		logger.Error("call record retention cleanup failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("call record retention cleanup", "deleted", n, "max_age", maxAge)
	}
	return n
}
