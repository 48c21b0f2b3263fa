package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/lore-engine/internal/shared"
)

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

// withRetry runs fn, retrying transient lock contention with exponential
// backoff: 100ms, 200ms.
func withRetry(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsRetryableError(err) || i == maxRetries-1 {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<i)
		slog.Debug("database busy, retrying", "op", op, "key", key, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if shared.IsRetryableError(err) {
		return fmt.Errorf("%s for %s after %d attempts: %w", op, key, maxRetries, err)
	}
	return err
}
