// ABOUTME: Background worker draining the dead-letter queue back to the remote source
// ABOUTME: Retries batches with bounded concurrency and deletes confirmed deliveries

package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheetbridge/sheetbridge/internal/store"
)

// DeliverFunc attempts remote redelivery of one dead-lettered record.
type DeliverFunc func(ctx context.Context, rec store.Record) error

// Worker periodically fetches the oldest DLQ entries and retries their
// delivery. Entries that fail stay queued untouched for the next cycle; the
// worker applies no backoff or attempt limit of its own — the manual retry
// and purge paths exist for operators. Retry work runs on its own goroutines
// and holds no lock a request handler needs, so a slow remote cannot stall
// the request path.
type Worker struct {
	store       store.Store
	deliver     DeliverFunc
	interval    time.Duration
	batch       int
	concurrency int
	logger      *slog.Logger
}

// New creates a retry worker.
func New(s store.Store, deliver DeliverFunc, interval time.Duration, batch, concurrency int) *Worker {
	if batch <= 0 {
		batch = 50
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		store:       s,
		deliver:     deliver,
		interval:    interval,
		batch:       batch,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "dlq"),
	}
}

// Run executes retry cycles until ctx is cancelled. Cycle errors are logged,
// never propagated; only cancellation ends the loop.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if _, _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("retry cycle failed", "error", err)
		}

		timer.Reset(w.interval)
	}
}

// RunOnce performs a single retry cycle: fetch up to batch entries in
// insertion order, attempt each with at most concurrency in flight, then
// delete every confirmed delivery in one call. It returns the number of
// entries attempted and the number delivered.
func (w *Worker) RunOnce(ctx context.Context) (attempted, delivered int, err error) {
	entries, err := w.store.DLQFetch(ctx, w.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching dead letters: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	var (
		mu        sync.Mutex
		succeeded []int64
	)

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			if err := w.deliver(ctx, entry.Data); err != nil {
				w.logger.Debug("redelivery failed", "id", entry.ID, "error", err)
				return nil
			}
			mu.Lock()
			succeeded = append(succeeded, entry.ID)
			mu.Unlock()
			return nil
		})
	}
	// Delivery goroutines never return errors; Wait is a join.
	_ = g.Wait()

	if len(succeeded) > 0 {
		if err := w.store.DLQDelete(ctx, succeeded); err != nil {
			return len(entries), len(succeeded), fmt.Errorf("deleting delivered entries: %w", err)
		}
	}

	w.logger.Info("retry cycle finished", "attempted", len(entries), "delivered", len(succeeded))
	return len(entries), len(succeeded), nil
}
