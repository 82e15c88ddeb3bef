package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/heimdall/internal/invoke"
)

const (
	janitorInterval = 5 * time.Minute
	breakerMaxIdle  = 30 * time.Minute
)

// BreakerJanitor evicts circuit breakers that have seen no traffic for a
// while, keeping the registry bounded when APIs come and go.
type BreakerJanitor struct {
	breakers *invoke.BreakerRegistry
}

// NewBreakerJanitor creates a BreakerJanitor.
func NewBreakerJanitor(breakers *invoke.BreakerRegistry) *BreakerJanitor {
	return &BreakerJanitor{breakers: breakers}
}

// Name implements Worker.
func (w *BreakerJanitor) Name() string { return "breaker_janitor" }

// Run evicts idle breakers until ctx is cancelled.
func (w *BreakerJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-breakerMaxIdle)
			if n := w.breakers.EvictStale(cutoff); n > 0 {
				slog.LogAttrs(ctx, slog.LevelInfo, "idle circuit breakers evicted",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
