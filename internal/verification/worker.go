package verification

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/agentdir/internal/trust"
)

// BatchRunner runs one batch. *Service satisfies it.
type BatchRunner interface {
	RunBatch(ctx context.Context, req trust.BatchRequest) (*trust.BatchReport, error)
}

// Worker periodically re-verifies stale agents.
type Worker struct {
	runner   BatchRunner
	interval time.Duration
	limit    int
	logger   *slog.Logger
	stop     chan struct{}
	lastBeat atomic.Int64 // unix nanos of the last completed cycle
}

// NewWorker creates a re-verification worker. Each cycle runs a stale batch of
// at most limit agents.
func NewWorker(runner BatchRunner, interval time.Duration, limit int, logger *slog.Logger) *Worker {
	return &Worker{
		runner:   runner,
		interval: interval,
		limit:    limit,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the re-verification loop. Call in a goroutine. A non-positive
// interval disables the worker.
func (w *Worker) Start(ctx context.Context) {
	if w.interval <= 0 {
		w.logger.Info("verification worker disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// LastBeat returns when the last cycle finished, or the zero time.
func (w *Worker) LastBeat() time.Time {
	n := w.lastBeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (w *Worker) cycle(ctx context.Context) {
	// A cycle may not outlive the next tick.
	cctx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	report, err := w.runner.RunBatch(cctx, trust.BatchRequest{
		Filter: trust.FilterStale,
		Limit:  w.limit,
	})
	w.lastBeat.Store(time.Now().UnixNano())

	if err != nil {
		if report == nil {
			w.logger.Warn("scheduled verification failed", "error", err)
			return
		}
		w.logger.Warn("scheduled verification cut short", "error", err, "completed", report.Total)
		return
	}
	if report.Total > 0 {
		w.logger.Info("scheduled verification completed",
			"verified", report.Verified,
			"failed", report.Failed,
			"total", report.Total,
		)
	}
}
