// Package worker runs the gateway's periodic maintenance tasks.
package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is a long-running maintenance task.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// Runner supervises a set of workers. The first worker error cancels the
// rest.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have finished. The error
// returned is the first worker error, if any.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(func() error {
			slog.Info("worker started", "worker", w.Name())
			err := w.Run(ctx)
			slog.Info("worker stopped", "worker", w.Name())
			return err
		})
	}
	return g.Wait()
}
