package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/layout"
	"kicad-jobs/internal/pipeline"
	"kicad-jobs/internal/queue"
	"kicad-jobs/internal/workspace"
)

const settings = `{
	"controllerCircuit": "None",
	"routing": "Full",
	"switchFootprint": "Switch_Keyboard_Cherry_MX:SW_Cherry_MX_PCB_1.00u",
	"diodeFootprint": "Diode_SMD:D_SOD-123F",
	"switchRotation": 0,
	"switchSide": "FRONT",
	"diodeRotation": 90,
	"diodeSide": "BACK",
	"diodePositionX": 5.08,
	"diodePositionY": 4.0
}`

const validBody = `{"layout":{"meta":{"name":"my/board"},"keys":[{"labels":["1,1"]}]},"settings":` + settings + `}`

type captureQueue struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

func (q *captureQueue) Enqueue(_ context.Context, id string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads[id] = payload
	return nil
}

func (q *captureQueue) Remove(context.Context, string) error { return nil }

func (q *captureQueue) Depth(context.Context) (int, error) { return 0, nil }

type stageFunc func(layout.Settings) []pipeline.Stage

func (f stageFunc) Stages(s layout.Settings) []pipeline.Stage { return f(s) }

type fixture struct {
	handler *Handler
	jobs    *job.Service
	queue   *captureQueue
	base    string
}

func newFixture(t *testing.T, stages ...pipeline.Stage) *fixture {
	t.Helper()
	base := t.TempDir()
	mgr, err := workspace.NewManager(base, nil)
	require.NoError(t, err)

	q := &captureQueue{payloads: map[string][]byte{}}
	svc := job.NewService(job.NewMemoryStore(0), q, 0, nil)
	return &fixture{
		handler: &Handler{
			Jobs:       svc,
			Workspaces: mgr,
			Stages:     stageFunc(func(layout.Settings) []pipeline.Stage { return stages }),
			Runner:     &pipeline.Runner{},
		},
		jobs:  svc,
		queue: q,
		base:  base,
	}
}

func (f *fixture) submit(t *testing.T, body string) (string, []byte) {
	t.Helper()
	j, err := f.jobs.Submit(context.Background(), []byte(body))
	require.NoError(t, err)
	return j.ID, f.queue.payloads[j.ID]
}

func (f *fixture) job(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// assertNoWorkspaces checks that every workspace under base was released.
func (f *fixture) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func publishStage(st *pipeline.State) {
	st.Artifacts = &artifact.Ref{Bundle: artifact.BundleKey(st.JobID)}
}

func TestHandle_Success(t *testing.T) {
	t.Parallel()

	var seen *pipeline.State
	f := newFixture(t,
		pipeline.Stage{Name: "build", Percent: 40, Run: func(_ context.Context, st *pipeline.State) error {
			seen = st
			_, err := os.Stat(st.Workspace.ProjectDir)
			return err
		}},
		pipeline.Stage{Name: "publish", Percent: 90, Run: func(_ context.Context, st *pipeline.State) error {
			publishStage(st)
			return nil
		}},
	)
	id, payload := f.submit(t, validBody)

	require.NoError(t, f.handler.Handle(context.Background(), id, payload))

	j := f.job(t, id)
	assert.Equal(t, job.StateSucceeded, j.State)
	assert.Equal(t, 100, j.Percentage)
	assert.Equal(t, "myboard", j.ProjectName)
	require.NotNil(t, j.Result)
	assert.Equal(t, artifact.BundleKey(id), j.Result.Bundle)

	require.NotNil(t, seen)
	assert.Equal(t, "myboard", seen.Workspace.ProjectName)
	f.assertNoWorkspaces(t)
}

func TestHandle_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ran := false
	f := newFixture(t, pipeline.Stage{Name: "build", Percent: 10, Run: func(context.Context, *pipeline.State) error {
		ran = true
		return nil
	}})
	id, payload := f.submit(t, validBody)
	require.NoError(t, f.jobs.Cancel(context.Background(), id))

	assert.NoError(t, f.handler.Handle(context.Background(), id, payload))
	assert.False(t, ran, "stages ran for a cancelled job")
	assert.Equal(t, job.StateCancelled, f.job(t, id).State)
	f.assertNoWorkspaces(t)
}

func TestHandle_ValidationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "incomplete settings",
			body:  `{"layout":{"meta":{"name":""},"keys":[{"labels":["1,1"]}]},"settings":{"routing":"Full"}}`,
			field: "",
		},
		{
			name: "footprint without library",
			body: `{"layout":{"meta":{"name":""},"keys":[{"labels":["1,1"]}]},"settings":` +
				strings.Replace(settings, "Switch_Keyboard_Cherry_MX:SW_Cherry_MX_PCB_1.00u", "NoSeparator", 1) + `}`,
			field: "switchFootprint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			id, payload := f.submit(t, tt.body)

			err := f.handler.Handle(context.Background(), id, payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
			assert.ErrorIs(t, err, queue.ErrSkipRetry)

			j := f.job(t, id)
			assert.Equal(t, job.StateFailed, j.State)
			require.NotNil(t, j.Error)
			assert.Equal(t, job.KindValidation, j.Error.Kind)
			if tt.field != "" {
				assert.Equal(t, tt.field, j.Error.Field)
			} else {
				assert.NotEmpty(t, j.Error.Field)
			}
			f.assertNoWorkspaces(t)
		})
	}
}

func TestHandle_StageFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Stage{
		Name:    pipeline.StagePlacement,
		Percent: 40,
		Summary: "Switch placement failed",
		Run: func(_ context.Context, st *pipeline.State) error {
			st.Workspace.Log.Printf("kbplacer: no such footprint")
			return errors.New("exit status 1")
		},
	})
	id, payload := f.submit(t, validBody)

	err := f.handler.Handle(context.Background(), id, payload)
	assert.ErrorIs(t, err, queue.ErrSkipRetry)

	j := f.job(t, id)
	assert.Equal(t, job.StateFailed, j.State)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindStage, j.Error.Kind)
	assert.Equal(t, pipeline.StagePlacement, j.Error.Stage)
	assert.Equal(t, "Switch placement failed", j.Error.Message)
	assert.Contains(t, j.Error.Log, "no such footprint")
	assert.Equal(t, 40, j.Percentage)
	f.assertNoWorkspaces(t)
}

func TestHandle_PublishFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Stage{Name: pipeline.StagePublish, Percent: 90, Run: func(_ context.Context, st *pipeline.State) error {
		return &artifact.PublishError{Key: artifact.BundleKey(st.JobID), Cause: errors.New("connection refused")}
	}})
	id, payload := f.submit(t, validBody)

	_ = f.handler.Handle(context.Background(), id, payload)

	j := f.job(t, id)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindPublish, j.Error.Kind)
	assert.Equal(t, pipeline.StagePublish, j.Error.Stage)
	assert.Contains(t, j.Error.Message, "connection refused")
}

func TestHandle_StagePanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Stage{Name: "render", Percent: 70, Run: func(context.Context, *pipeline.State) error {
		panic("nil board")
	}})
	id, payload := f.submit(t, validBody)

	err := f.handler.Handle(context.Background(), id, payload)
	assert.ErrorIs(t, err, queue.ErrSkipRetry)

	j := f.job(t, id)
	assert.Equal(t, job.StateFailed, j.State)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindInternal, j.Error.Kind)
	assert.Contains(t, j.Error.Message, "nil board")
	f.assertNoWorkspaces(t)
}

func TestHandle_PanicOutsideStages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.Stages = stageFunc(func(layout.Settings) []pipeline.Stage { panic("no stages") })
	id, payload := f.submit(t, validBody)

	err := f.handler.Handle(context.Background(), id, payload)
	assert.ErrorIs(t, err, queue.ErrSkipRetry)

	j := f.job(t, id)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindInternal, j.Error.Kind)
	assert.Equal(t, "no stages", j.Error.Message)
	f.assertNoWorkspaces(t)
}

func TestHandle_RedeliveredWhileActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, payload := f.submit(t, validBody)
	_, err := f.jobs.Start(context.Background(), id)
	require.NoError(t, err)

	err = f.handler.Handle(context.Background(), id, payload)
	assert.ErrorIs(t, err, queue.ErrSkipRetry)

	j := f.job(t, id)
	assert.Equal(t, job.StateFailed, j.State)
	require.NotNil(t, j.Error)
	assert.Equal(t, "Task was interrupted", j.Error.Message)
}

func TestHandle_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.handler.Handle(context.Background(), "missing", []byte(validBody))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, err, queue.ErrSkipRetry)
}
