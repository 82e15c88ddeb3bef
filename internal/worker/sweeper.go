package worker

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = 60 * time.Second

// CounterCache is the slice of the cache API the sweeper needs.
type CounterCache interface {
	Sweep() int
}

// CounterSweeper periodically drops expired rate and bandwidth counters
// from the in-memory cache.
type CounterSweeper struct {
	cache CounterCache
}

// NewCounterSweeper creates a CounterSweeper.
func NewCounterSweeper(cache CounterCache) *CounterSweeper {
	return &CounterSweeper{cache: cache}
}

// Name implements Worker.
func (w *CounterSweeper) Name() string { return "counter_sweeper" }

// Run sweeps expired counters until ctx is cancelled.
func (w *CounterSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.cache.Sweep(); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "expired counters removed",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
