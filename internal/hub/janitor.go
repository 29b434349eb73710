package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/fixfirsthq/callpilot/internal/store"
)

const janitorInterval = time.Minute

// StartJanitor runs a background goroutine that periodically sweeps
// for idle live sessions and prunes aged journal entries. A retention
// of zero disables pruning.
func StartJanitor(ctx context.Context, sessions *Sessions, repo store.Repository, idleAfter, retention time.Duration) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session janitor started", "interval", janitorInterval, "idle_after", idleAfter, "journal_retention", retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, sessions, repo, idleAfter, retention)
			case <-ctx.Done():
				slog.Info("Session janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, sessions *Sessions, repo store.Repository, idleAfter, retention time.Duration) {
	if evicted := sessions.EvictIdle(ctx, idleAfter); evicted > 0 {
		slog.Info("Janitor evicted idle sessions", "count", evicted)
	}

	if retention <= 0 {
		return
	}
	if removed, err := repo.PruneEvents(ctx, retention); err != nil {
		slog.Error("Janitor failed to prune journal", "error", err)
	} else if removed > 0 {
		slog.Info("Janitor pruned journal entries", "count", removed)
	}
}
