package worker

import (
	"context"
	"log/slog"
	"time"
)

// Snapshotter is the slice of the store API the snapshot writer needs.
type Snapshotter interface {
	Dump() error
}

// SnapshotWriter periodically persists the in-memory store to its encrypted
// snapshot file, and once more on shutdown.
type SnapshotWriter struct {
	store    Snapshotter
	interval time.Duration
}

// NewSnapshotWriter creates a SnapshotWriter. A non-positive interval
// defaults to five minutes.
func NewSnapshotWriter(store Snapshotter, interval time.Duration) *SnapshotWriter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SnapshotWriter{store: store, interval: interval}
}

// Name implements Worker.
func (w *SnapshotWriter) Name() string { return "snapshot_writer" }

// Run dumps snapshots until ctx is cancelled, then writes a final one.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.store.Dump(); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "snapshot dump failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			if err := w.store.Dump(); err != nil {
				slog.LogAttrs(context.Background(), slog.LevelError, "final snapshot dump failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}
