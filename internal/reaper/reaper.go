package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/job"
)

// Jobs is the part of the job service the reaper needs.
type Jobs interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Reaper periodically cancels pending jobs nobody has polled within Timeout.
// Running jobs are left alone and stay tracked until they finish.
type Reaper struct {
	Tracker  Tracker
	Jobs     Jobs
	Timeout  time.Duration // default: 15m
	Interval time.Duration // default: 2m

	now func() time.Time
}

// New creates a reaper with the given limits.
func New(tracker Tracker, jobs Jobs, timeout, interval time.Duration) *Reaper {
	return &Reaper{Tracker: tracker, Jobs: jobs, Timeout: timeout, Interval: interval}
}

// Touch records activity for id. Tracking failures are logged only; they
// must not fail the request that triggered them.
func (r *Reaper) Touch(ctx context.Context, id string) {
	if err := r.Tracker.Touch(ctx, id, r.clock()); err != nil {
		slog.Warn("Failed to track task activity", "jobId", id, "error", err)
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of jobs it cancelled.
func (r *Reaper) Sweep(ctx context.Context) int {
	logger := slog.With("component", "reaper")
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	ids, err := r.Tracker.Stale(ctx, r.clock().Add(-timeout))
	if err != nil {
		logger.Warn("Failed to list abandoned tasks", "error", err)
		return 0
	}

	cancelled := 0
	for _, id := range ids {
		j, err := r.Jobs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				r.forget(ctx, logger, id)
			} else {
				logger.Warn("Failed to look up task", "jobId", id, "error", err)
			}
			continue
		}

		switch {
		case j.State == job.StatePending:
			err := r.Jobs.Cancel(ctx, id)
			switch {
			case err == nil:
				cancelled++
				logger.Info("Cancelled abandoned task", "jobId", id, "timeout", timeout)
				r.forget(ctx, logger, id)
			case errors.Is(err, apperrors.ErrConflict):
				// Started between Get and Cancel.
			case errors.Is(err, apperrors.ErrGone), errors.Is(err, apperrors.ErrNotFound):
				r.forget(ctx, logger, id)
			default:
				logger.Warn("Failed to cancel abandoned task", "jobId", id, "error", err)
			}
		case j.State.Terminal():
			r.forget(ctx, logger, id)
		}
	}
	return cancelled
}

func (r *Reaper) forget(ctx context.Context, logger *slog.Logger, id string) {
	if err := r.Tracker.Forget(ctx, id); err != nil {
		logger.Warn("Failed to forget task", "jobId", id, "error", err)
	}
}

func (r *Reaper) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
