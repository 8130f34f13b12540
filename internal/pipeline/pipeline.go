// Package pipeline runs the ordered build stages of a job and turns tool
// failures into diagnosable stage errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/eda"
	"kicad-jobs/internal/layout"
	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/workspace"
)

// DefaultLogTail bounds the build log excerpt attached to a StageError.
const DefaultLogTail = 8 << 10

// ErrStageOrder is returned when stage percentages decrease.
var ErrStageOrder = errors.New("stage percentages must be non-decreasing")

// ErrStagePanic marks a StageError produced by a recovered panic.
var ErrStagePanic = errors.New("stage panicked")

// State is shared by the stages of one job.
type State struct {
	JobID     string
	Workspace *workspace.Workspace
	Build     *layout.Validated
	Logger    *slog.Logger

	// Filled in by the package and publish stages.
	BundlePath string
	Artifacts  *artifact.Ref
}

// Stage is one step of the pipeline. Percent is reported when the stage starts.
type Stage struct {
	Name    string
	Percent int
	Summary string // Failure summary shown to users, e.g. "Switch placement failed"
	Run     func(ctx context.Context, st *State) error
}

// Reporter receives progress at the start of every stage.
type Reporter interface {
	Report(ctx context.Context, percent int, message string) error
}

// StageError describes a failed stage with the tail of the build log.
type StageError struct {
	Stage    string
	Summary  string
	ExitCode int // -1 when no tool exit status applies
	LogTail  string
	Cause    error
}

func (e *StageError) Error() string {
	if e.LogTail == "" {
		return e.Summary
	}
	return e.Summary + ", details:\n" + e.LogTail
}

func (e *StageError) Unwrap() error { return e.Cause }

// Runner executes stages in order.
type Runner struct {
	StageTimeout time.Duration // 0 disables the per-stage timeout
	LogTail      int
	Metrics      *observability.Metrics
}

// Run executes stages in order, reporting each stage's percentage before it
// starts. The first failure aborts the remaining stages.
func (r *Runner) Run(ctx context.Context, stages []Stage, st *State, rep Reporter) error {
	for i := 1; i < len(stages); i++ {
		if stages[i].Percent < stages[i-1].Percent {
			return fmt.Errorf("%w: %s (%d%%) after %s (%d%%)", ErrStageOrder,
				stages[i].Name, stages[i].Percent, stages[i-1].Name, stages[i-1].Percent)
		}
	}

	logger := st.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rep.Report(ctx, stage.Percent, stage.Name); err != nil {
			return fmt.Errorf("report progress: %w", err)
		}

		start := time.Now()
		err := r.runStage(ctx, stage, st)
		elapsed := time.Since(start)
		if r.Metrics != nil {
			r.Metrics.RecordStage(ctx, stage.Name, err == nil, elapsed.Seconds())
		}
		if err != nil {
			logger.Warn("Stage failed", "stage", stage.Name, "duration", elapsed, "error", err)
			return r.stageError(stage, st, err)
		}
		logger.Debug("Stage complete", "stage", stage.Name, "duration", elapsed)
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage, st *State) (err error) {
	if r.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.StageTimeout)
		defer cancel()
	}

	if st.Workspace != nil && st.Workspace.Log != nil {
		st.Workspace.Log.Section(stage.Name)
	}

	defer func() {
		if p := recover(); p != nil {
			if st.Workspace != nil && st.Workspace.Log != nil {
				st.Workspace.Log.Printf("panic: %v\n%s", p, debug.Stack())
			}
			err = fmt.Errorf("%w: %v", ErrStagePanic, p)
		}
	}()

	err = stage.Run(ctx, st)
	if err != nil && r.StageTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", r.StageTimeout, err)
	}
	return err
}

func (r *Runner) stageError(stage Stage, st *State, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage.Name
		}
		if se.LogTail == "" {
			se.LogTail = r.tail(st)
		}
		return se
	}

	se = &StageError{Stage: stage.Name, Summary: stage.Summary, ExitCode: -1, Cause: err}
	if se.Summary == "" {
		se.Summary = stage.Name + " failed"
	}

	var exitErr *eda.ExitError
	if errors.As(err, &exitErr) {
		se.ExitCode = exitErr.ExitCode
	} else if st.Workspace != nil && st.Workspace.Log != nil {
		// Non-tool errors are not in the build log yet.
		st.Workspace.Log.Printf("error: %v", err)
	}
	se.LogTail = r.tail(st)
	return se
}

func (r *Runner) tail(st *State) string {
	if st.Workspace == nil || st.Workspace.Log == nil {
		return ""
	}
	n := r.LogTail
	if n <= 0 {
		n = DefaultLogTail
	}
	return st.Workspace.Log.Tail(n)
}
