package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/layout"
	"kicad-jobs/internal/observability"
)

// ErrCancelled is returned by Start when the job was cancelled before a
// worker picked it up.
var ErrCancelled = errors.New("job was cancelled")

// ErrNotActive is returned by progress and completion calls for a job that
// is not running.
var ErrNotActive = errors.New("job is not active")

// Queue is the part of the broker the service submits through.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload []byte) error
	Remove(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
}

// Service drives jobs through their state machine. It holds no job state of
// its own; the store is the source of truth, so any number of API and worker
// processes can share it.
type Service struct {
	store     Store
	queue     Queue
	maxQueued int
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

// NewService creates a job service. queue may be nil in processes that only
// execute jobs. A maxQueued of zero disables admission control.
func NewService(store Store, queue Queue, maxQueued int, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		queue:     queue,
		maxQueued: maxQueued,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Submit admits a build request and enqueues it. The layout and settings are
// only checked for being JSON here; full validation happens in the worker so
// that invalid requests still produce a failed job the caller can inspect.
func (s *Service) Submit(ctx context.Context, body []byte) (*Job, error) {
	if s.queue == nil {
		return nil, apperrors.Internal("job.submit", errors.New("no queue configured"))
	}
	req, err := layout.ParseRequest(body)
	if err != nil {
		return nil, apperrors.InvalidValue("body", "", err, "Invalid JSON in request body: %v", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Internal("job.submit", err)
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return nil, apperrors.Internal("queue.depth", err)
	}
	if s.maxQueued > 0 && depth >= s.maxQueued {
		if s.metrics != nil {
			s.metrics.RecordJobRejected(ctx, depth)
		}
		slog.Warn("Submission rejected, queue saturated", "depth", depth, "max", s.maxQueued)
		return nil, saturated()
	}

	j := &Job{ID: s.newID(), State: StatePending, CreatedAt: s.now()}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, apperrors.Internal("job.create", err)
	}

	logger := slog.With("jobId", j.ID)
	if err := s.queue.Enqueue(ctx, j.ID, payload); err != nil {
		if errors.Is(err, apperrors.ErrUnavailable) {
			_ = s.store.Delete(ctx, j.ID)
			if s.metrics != nil {
				s.metrics.RecordJobRejected(ctx, depth)
			}
			logger.Warn("Submission rejected, queue full")
			return nil, saturated()
		}
		logger.Error("Failed to enqueue task", "error", err)
		_, _ = s.store.Update(ctx, j.ID, func(j *Job) error {
			j.transition(StateFailed, s.now())
			j.Error = &JobError{Kind: KindInternal, Message: "Failed to enqueue task"}
			return nil
		})
		return nil, apperrors.Internal("queue.enqueue", err)
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, depth+1)
	}
	logger.Info("Enqueued task")
	return j, nil
}

func saturated() error {
	return apperrors.Unavailable("job.submit", "Server overloaded, try again later")
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.storeError("job.get", id, err)
	}
	return j, nil
}

// Cancel cancels a pending job. Running jobs cannot be interrupted;
// finished jobs are gone and a cancelled job no longer exists.
func (s *Service) Cancel(ctx context.Context, id string) error {
	logger := slog.With("jobId", id)
	_, err := s.store.Update(ctx, id, func(j *Job) error {
		switch j.State {
		case StatePending:
			j.transition(StateCancelled, s.now())
			j.Message = "Task cancelled"
			return nil
		case StateActive:
			return apperrors.Conflict("task", id, "Cannot cancel task that is currently running")
		case StateSucceeded, StateFailed:
			return apperrors.Gone("task", id, "Task has already completed")
		default:
			return apperrors.NotFound("task", id)
		}
	})
	if err != nil {
		return s.storeError("job.cancel", id, err)
	}

	if s.queue != nil {
		if err := s.queue.Remove(ctx, id); err != nil {
			// The worker sees the cancelled record and drops the task anyway.
			logger.Warn("Failed to remove cancelled task from queue", "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordJobCancelled(ctx)
	}
	logger.Info("Task cancelled")
	return nil
}

// Start claims a pending job for execution. It returns ErrCancelled when the
// job was cancelled first, so the caller runs no stages at all.
func (s *Service) Start(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Update(ctx, id, func(j *Job) error {
		switch j.State {
		case StatePending:
			j.transition(StateActive, s.now())
			j.Percentage = 0
			return nil
		case StateCancelled:
			return ErrCancelled
		default:
			return fmt.Errorf("%w: job is %s", ErrNotActive, j.State)
		}
	})
	if err != nil {
		return nil, s.storeError("job.start", id, err)
	}
	if s.metrics != nil {
		s.metrics.RecordJobStarted(ctx)
	}
	return j, nil
}

// Progress records a stage starting. The percentage never decreases.
func (s *Service) Progress(ctx context.Context, id string, percent int, message string) error {
	_, err := s.store.Update(ctx, id, func(j *Job) error {
		if j.State != StateActive {
			return fmt.Errorf("%w: job is %s", ErrNotActive, j.State)
		}
		if percent > j.Percentage {
			j.Percentage = min(percent, 100)
		}
		j.Message = message
		return nil
	})
	if err != nil {
		return s.storeError("job.progress", id, err)
	}
	return nil
}

// SetProjectName records the sanitized project name once the request has
// been validated.
func (s *Service) SetProjectName(ctx context.Context, id, name string) error {
	_, err := s.store.Update(ctx, id, func(j *Job) error {
		j.ProjectName = name
		return nil
	})
	return s.storeError("job.update", id, err)
}

// Succeed completes a job with the location of its published artifacts.
func (s *Service) Succeed(ctx context.Context, id string, ref *artifact.Ref) error {
	if ref == nil || ref.Bundle == "" {
		return apperrors.Internal("job.succeed", errors.New("no artifact reference"))
	}
	j, err := s.store.Update(ctx, id, func(j *Job) error {
		if !j.transition(StateSucceeded, s.now()) {
			return fmt.Errorf("%w: job is %s", ErrNotActive, j.State)
		}
		j.Percentage = 100
		j.Message = "Done"
		j.Result = ref
		return nil
	})
	if err != nil {
		return s.storeError("job.succeed", id, err)
	}
	s.recordFinished(ctx, j)
	return nil
}

// Fail completes a job with a structured error. An empty message is
// replaced so that a failed job always explains itself.
func (s *Service) Fail(ctx context.Context, id string, jobErr JobError) error {
	if jobErr.Kind == "" {
		jobErr.Kind = KindInternal
	}
	if jobErr.Message == "" {
		jobErr.Message = "Task failed"
	}
	j, err := s.store.Update(ctx, id, func(j *Job) error {
		if !j.transition(StateFailed, s.now()) {
			return fmt.Errorf("%w: job is %s", ErrNotActive, j.State)
		}
		j.Error = &jobErr
		return nil
	})
	if err != nil {
		return s.storeError("job.fail", id, err)
	}
	s.recordFinished(ctx, j)
	return nil
}

func (s *Service) recordFinished(ctx context.Context, j *Job) {
	if s.metrics != nil && j.StartedAt != nil {
		s.metrics.RecordJobFinished(ctx, string(j.State), j.Duration().Seconds())
	}
}

// storeError maps store failures onto application errors. Errors returned by
// the update callbacks pass through untouched.
func (s *Service) storeError(op, id string, err error) error {
	var appErr *apperrors.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrJobNotFound):
		return apperrors.NotFound("task", id)
	case errors.As(err, &appErr), errors.Is(err, ErrCancelled), errors.Is(err, ErrNotActive):
		return err
	default:
		return apperrors.Internal(op, err)
	}
}
