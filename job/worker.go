package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Worker polls the pending queue and runs claimed jobs one at a time. A cron
// sweep runs alongside the poll loop to reclaim jobs abandoned by crashed
// workers (including this one on a previous life).
type Worker struct {
	orch          *Orchestrator
	id            string
	pollInterval  time.Duration
	sweepSchedule string
	logger        *slog.Logger
}

// Worker defaults.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultSweepSchedule = "@every 1m"

	// SweepOff disables the sweep for workers that should only poll, so a
	// pool doesn't run one sweep per worker against the same jobs.
	SweepOff = "off"
)

// NewWorker creates a worker. Zero-valued knobs take the defaults.
func NewWorker(orch *Orchestrator, id string, pollInterval time.Duration, sweepSchedule string, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if sweepSchedule == "" {
		sweepSchedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		orch:          orch,
		id:            id,
		pollInterval:  pollInterval,
		sweepSchedule: sweepSchedule,
		logger:        logger.With("worker_id", id),
	}
}

// Run blocks until the context is cancelled, claiming and executing jobs.
func (w *Worker) Run(ctx context.Context) error {
	c := cron.New()
	if w.sweepSchedule != SweepOff {
		if _, err := c.AddFunc(w.sweepSchedule, func() { w.sweep(ctx) }); err != nil {
			return err
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	w.logger.Info("worker started",
		"poll_interval", w.pollInterval, "sweep_schedule", w.sweepSchedule)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before going back to sleep.
		for {
			if ctx.Err() != nil {
				return nil
			}
			if !w.claimAndRun(ctx) {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// claimAndRun processes one job; false means the queue was empty.
func (w *Worker) claimAndRun(ctx context.Context) bool {
	j, err := w.orch.ClaimNextPending(ctx, w.id)
	if err != nil {
		if !errors.Is(err, ErrNoPending) && ctx.Err() == nil {
			w.logger.Error("claim failed", "error", err)
		}
		return false
	}
	if err := w.orch.RunJob(ctx, j); err != nil {
		// RunJob already moved the job to failed and logged the cause.
		w.logger.Warn("job run failed", "job_id", j.ID)
	}
	return true
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.orch.SweepStuck(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("stuck sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Info("stuck jobs reclaimed", "count", n)
	}
}
