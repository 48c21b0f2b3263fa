package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/lore-engine/internal/store"
)

// DefaultRecoveryInterval is how often the recovery worker sweeps.
const DefaultRecoveryInterval = time.Minute

// StartRecoveryWorker runs a background goroutine that periodically finds
// sessions whose advisory tasks were left pending by a crash or a dropped
// worker and resumes them.
func StartRecoveryWorker(ctx context.Context, c *Coordinator, index store.SessionIndex, interval, staleAfter time.Duration) {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("recovery worker started", "interval", interval, "stale_after", staleAfter)

		for {
			select {
			case <-ticker.C:
				RecoverPending(ctx, c, index, staleAfter)
			case <-ctx.Done():
				slog.Info("recovery worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// RecoverPending runs one sweep and returns how many sessions resumed.
func RecoverPending(ctx context.Context, c *Coordinator, index store.SessionIndex, staleAfter time.Duration) int {
	stale, err := index.StalePendingSessions(ctx, staleAfter)
	if err != nil {
		slog.Error("recovery worker failed to list stale sessions", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	slog.Info("recovery worker found sessions with pending tasks", "count", len(stale))

	resumed := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.Resume(ctx, rec.ID); err != nil {
			slog.Warn("recovery worker failed to resume session",
				"session_id", rec.ID,
				"pending_tasks", rec.PendingTasks,
				"error", err)
			continue
		}
		resumed++
	}

	slog.Info("recovery worker sweep completed", "resumed", resumed)
	return resumed
}
