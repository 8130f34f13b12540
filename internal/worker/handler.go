// Package worker executes build tasks taken off the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/layout"
	"kicad-jobs/internal/pipeline"
	"kicad-jobs/internal/queue"
	"kicad-jobs/internal/workspace"
)

// StageSource returns the stages to run for a validated request.
type StageSource interface {
	Stages(settings layout.Settings) []pipeline.Stage
}

// Handler runs one build job per task. It implements queue.Handler.
type Handler struct {
	Jobs       *job.Service
	Workspaces *workspace.Manager
	Stages     StageSource
	Runner     *pipeline.Runner
}

// Handle claims the job, validates its request, runs the build and records
// the outcome. Once the job has been claimed every failure is recorded on the
// job and the returned error is marked as not retriable; errors before that
// are returned as is so the broker can retry them.
func (h *Handler) Handle(ctx context.Context, id string, payload []byte) (err error) {
	logger := slog.With("jobId", id)

	if _, err := h.Jobs.Start(ctx, id); err != nil {
		switch {
		case errors.Is(err, job.ErrCancelled):
			logger.Info("Task was cancelled before it started")
			return nil
		case errors.Is(err, apperrors.ErrNotFound):
			logger.Warn("Task has no job record, dropping")
			return fmt.Errorf("%w: %w", err, queue.ErrSkipRetry)
		case errors.Is(err, job.ErrNotActive):
			return h.interrupted(ctx, logger, id, err)
		default:
			return err
		}
	}

	// The final store writes must land even when the task context expired.
	finalCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Task panicked", "panic", p, "stack", string(debug.Stack()))
			msg := fmt.Sprint(p)
			h.fail(finalCtx, logger, id, job.JobError{Kind: job.KindInternal, Message: msg})
			err = fmt.Errorf("panic: %s: %w", msg, queue.ErrSkipRetry)
		}
	}()

	build, err := validate(payload)
	if err != nil {
		logger.Info("Task rejected", "error", err)
		h.fail(finalCtx, logger, id, job.JobError{
			Kind:    job.KindValidation,
			Field:   apperrors.FieldOf(err),
			Message: err.Error(),
		})
		return fmt.Errorf("%w: %w", err, queue.ErrSkipRetry)
	}

	if err := h.Jobs.SetProjectName(ctx, id, build.ProjectName); err != nil {
		logger.Warn("Failed to record project name", "error", err)
	}

	ws, err := h.Workspaces.Allocate(id, build.ProjectName)
	if err != nil {
		h.fail(finalCtx, logger, id, job.JobError{Kind: job.KindInternal, Message: "Failed to allocate workspace"})
		return fmt.Errorf("allocate workspace: %w: %w", err, queue.ErrSkipRetry)
	}
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Warn("Workspace release failed", "error", rerr)
		}
	}()

	st := &pipeline.State{
		JobID:     id,
		Workspace: ws,
		Build:     build,
		Logger:    logger,
	}
	logger.Info("Build started", "project", build.ProjectName)

	if err := h.Runner.Run(ctx, h.Stages.Stages(build.Settings), st, job.NewReporter(h.Jobs, id)); err != nil {
		if errors.Is(err, job.ErrNotActive) {
			// Someone else finished the job, e.g. the reaper.
			logger.Info("Build abandoned, job no longer active", "error", err)
			return fmt.Errorf("%w: %w", err, queue.ErrSkipRetry)
		}
		logger.Warn("Build failed", "error", err)
		h.fail(finalCtx, logger, id, classify(err))
		return fmt.Errorf("%w: %w", err, queue.ErrSkipRetry)
	}

	if err := h.Jobs.Succeed(finalCtx, id, st.Artifacts); err != nil {
		logger.Error("Failed to record success", "error", err)
		return fmt.Errorf("%w: %w", err, queue.ErrSkipRetry)
	}
	logger.Info("Build complete", "bundle", st.Artifacts.Bundle)
	return nil
}

// interrupted handles a task delivered again for a job that is already
// running or finished. A still active job lost its worker and is failed.
func (h *Handler) interrupted(ctx context.Context, logger *slog.Logger, id string, cause error) error {
	j, err := h.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State == job.StateActive {
		logger.Warn("Task redelivered while active, previous worker was interrupted")
		h.fail(ctx, logger, id, job.JobError{Kind: job.KindInternal, Message: "Task was interrupted"})
	} else {
		logger.Info("Task redelivered for finished job", "state", j.State)
	}
	return fmt.Errorf("%w: %w", cause, queue.ErrSkipRetry)
}

func (h *Handler) fail(ctx context.Context, logger *slog.Logger, id string, jobErr job.JobError) {
	if err := h.Jobs.Fail(ctx, id, jobErr); err != nil {
		logger.Error("Failed to record failure", "error", err)
	}
}

func validate(payload []byte) (*layout.Validated, error) {
	req, err := layout.ParseRequest(payload)
	if err != nil {
		return nil, apperrors.InvalidValue("request", "", err, "invalid task request: %v", err)
	}
	return layout.Validate(req)
}

// classify turns a pipeline error into the error recorded on the job.
func classify(err error) job.JobError {
	var pubErr *artifact.PublishError
	if errors.As(err, &pubErr) {
		return job.JobError{Kind: job.KindPublish, Stage: pipeline.StagePublish, Message: pubErr.Error()}
	}

	var se *pipeline.StageError
	if errors.As(err, &se) {
		if errors.Is(se, pipeline.ErrStagePanic) {
			return job.JobError{Kind: job.KindInternal, Stage: se.Stage, Message: se.Cause.Error(), Log: se.LogTail}
		}
		return job.JobError{Kind: job.KindStage, Stage: se.Stage, Message: se.Summary, Log: se.LogTail}
	}

	return job.JobError{Kind: job.KindInternal, Message: err.Error()}
}

var _ queue.Handler = (*Handler)(nil)
