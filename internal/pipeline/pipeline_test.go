package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"kicad-jobs/internal/eda"
	"kicad-jobs/internal/workspace"
)

type recordingReporter struct {
	mu      sync.Mutex
	percent []int
	names   []string
	err     error
}

func (r *recordingReporter) Report(_ context.Context, percent int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = append(r.percent, percent)
	r.names = append(r.names, message)
	return r.err
}

func newState(t *testing.T) *State {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := m.Allocate("job-1", "keyboard")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Release() })
	return &State{JobID: "job-1", Workspace: ws}
}

func ok(context.Context, *State) error { return nil }

func TestRunnerReportsAndRunsInOrder(t *testing.T) {
	t.Parallel()

	var ran []string
	stage := func(name string, pct int) Stage {
		return Stage{Name: name, Percent: pct, Run: func(context.Context, *State) error {
			ran = append(ran, name)
			return nil
		}}
	}
	rep := &recordingReporter{}

	err := (&Runner{}).Run(context.Background(), []Stage{stage("a", 10), stage("b", 20), stage("c", 20)}, newState(t), rep)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !slices.Equal(ran, []string{"a", "b", "c"}) {
		t.Errorf("ran = %v", ran)
	}
	if !slices.Equal(rep.percent, []int{10, 20, 20}) || !slices.Equal(rep.names, []string{"a", "b", "c"}) {
		t.Errorf("reports = %v %v", rep.percent, rep.names)
	}
}

func TestRunnerRejectsDecreasingPercentages(t *testing.T) {
	t.Parallel()

	rep := &recordingReporter{}
	err := (&Runner{}).Run(context.Background(), []Stage{
		{Name: "a", Percent: 50, Run: ok},
		{Name: "b", Percent: 40, Run: ok},
	}, newState(t), rep)
	if !errors.Is(err, ErrStageOrder) {
		t.Fatalf("Run() error = %v, want ErrStageOrder", err)
	}
	if len(rep.percent) != 0 {
		t.Error("no stage should be reported when the order is invalid")
	}
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	st := newState(t)
	laterRan := false
	stages := []Stage{
		{Name: "prepare", Percent: 10, Run: ok},
		{Name: "placement", Percent: 40, Summary: "Switch placement failed", Run: func(_ context.Context, st *State) error {
			st.Workspace.Log.Printf("Traceback: no footprint SW1")
			return &eda.ExitError{Tool: "python3", ExitCode: 1}
		}},
		{Name: "outline", Percent: 60, Run: func(context.Context, *State) error {
			laterRan = true
			return nil
		}},
	}

	err := (&Runner{}).Run(context.Background(), stages, st, &recordingReporter{})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *StageError", err)
	}
	if laterRan {
		t.Error("stage after the failure ran")
	}
	if se.Stage != "placement" || se.ExitCode != 1 {
		t.Errorf("StageError = %+v", se)
	}
	if !strings.HasPrefix(se.Error(), "Switch placement failed, details:\n") {
		t.Errorf("Error() = %q", se.Error())
	}
	if !strings.Contains(se.LogTail, "Traceback: no footprint SW1") {
		t.Errorf("LogTail = %q, want tool output", se.LogTail)
	}
	if !strings.Contains(se.LogTail, "==> placement") {
		t.Errorf("LogTail = %q, want stage header", se.LogTail)
	}
}

func TestRunnerWrapsPlainErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("no switch footprints")
	err := (&Runner{}).Run(context.Background(), []Stage{
		{Name: "outline", Percent: 60, Run: func(context.Context, *State) error { return cause }},
	}, newState(t), &recordingReporter{})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Summary != "outline failed" || se.ExitCode != -1 {
		t.Errorf("StageError = %+v", se)
	}
	if !errors.Is(err, cause) {
		t.Error("StageError does not unwrap to the cause")
	}
	if !strings.Contains(se.LogTail, "error: no switch footprints") {
		t.Errorf("LogTail = %q, want the error written to the build log", se.LogTail)
	}
}

func TestRunnerBoundsLogTail(t *testing.T) {
	t.Parallel()

	st := newState(t)
	err := (&Runner{LogTail: 64}).Run(context.Background(), []Stage{
		{Name: "netlist", Percent: 20, Run: func(_ context.Context, st *State) error {
			st.Workspace.Log.Printf("%s", strings.Repeat("x", 1000))
			return &eda.ExitError{Tool: "kle2netlist", ExitCode: 2}
		}},
	}, st, &recordingReporter{})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v", err)
	}
	if len(se.LogTail) != 64 {
		t.Errorf("len(LogTail) = %d, want 64", len(se.LogTail))
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	t.Parallel()

	err := (&Runner{}).Run(context.Background(), []Stage{
		{Name: "render", Percent: 70, Summary: "Render generation failed", Run: func(context.Context, *State) error {
			var m map[string]int
			m["boom"]++
			return nil
		}},
	}, newState(t), &recordingReporter{})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if !errors.Is(err, ErrStagePanic) {
		t.Errorf("error = %v, want ErrStagePanic", err)
	}
	if se.Stage != "render" {
		t.Errorf("Stage = %q", se.Stage)
	}
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	secondRan := false
	err := (&Runner{}).Run(ctx, []Stage{
		{Name: "a", Percent: 10, Run: func(context.Context, *State) error { cancel(); return nil }},
		{Name: "b", Percent: 20, Run: func(context.Context, *State) error { secondRan = true; return nil }},
	}, newState(t), &recordingReporter{})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if secondRan {
		t.Error("stage ran after cancellation")
	}
}

func TestRunnerStageTimeout(t *testing.T) {
	t.Parallel()

	err := (&Runner{StageTimeout: 20 * time.Millisecond}).Run(context.Background(), []Stage{
		{Name: "placement", Percent: 40, Summary: "Switch placement failed", Run: func(ctx context.Context, _ *State) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, newState(t), &recordingReporter{})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if !strings.Contains(se.LogTail, "timed out after 20ms") {
		t.Errorf("LogTail = %q", se.LogTail)
	}
}

func TestRunnerReporterErrorAborts(t *testing.T) {
	t.Parallel()

	ran := false
	rep := &recordingReporter{err: errors.New("job is not active")}
	err := (&Runner{}).Run(context.Background(), []Stage{
		{Name: "a", Percent: 10, Run: func(context.Context, *State) error { ran = true; return nil }},
	}, newState(t), rep)
	if err == nil || ran {
		t.Errorf("Run() error = %v, ran = %v; want abort before the stage", err, ran)
	}
}

func TestStageErrorWithoutLog(t *testing.T) {
	t.Parallel()

	se := &StageError{Stage: "publish", Summary: "Publishing artifacts failed"}
	if se.Error() != "Publishing artifacts failed" {
		t.Errorf("Error() = %q", se.Error())
	}
}
