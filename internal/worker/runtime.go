package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/config"
	"kicad-jobs/internal/eda"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/pipeline"
	"kicad-jobs/internal/storage"
	"kicad-jobs/internal/workspace"
)

// Runtime is everything a process needs to execute builds: the toolchain,
// the workspace manager and a Handler wired to them.
type Runtime struct {
	Handler    *Handler
	Toolchain  *eda.Toolchain
	Workspaces *workspace.Manager

	closers []func() error
}

// NewRuntime builds the executor selected by cfg and wires a Handler that
// reports to jobs and publishes to bucket. metrics may be nil.
func NewRuntime(ctx context.Context, cfg *config.WorkerConfig, jobs *job.Service, bucket storage.Bucket, metrics *observability.Metrics) (*Runtime, error) {
	rt := &Runtime{}

	tc := cfg.Toolchain
	var exec eda.Executor
	switch tc.Executor {
	case config.ExecutorDocker:
		d, err := eda.NewDocker(ctx, eda.DockerConfig{Image: tc.Image, MountDir: cfg.WorkDir})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, d.Close)
		exec = d
	case config.ExecutorLocal, "":
		exec = eda.NewLocal(tc.Python, tc.KicadCLI, tc.Kle2Netlist, tc.Kinet2PCB)
	default:
		return nil, fmt.Errorf("unknown toolchain executor %q", tc.Executor)
	}
	rt.Toolchain = eda.NewToolchain(exec, tc)

	workspaces, err := workspace.NewManager(cfg.WorkDir, slog.Default())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to create workspace manager: %w", err)
	}
	rt.Workspaces = workspaces

	rt.Handler = &Handler{
		Jobs:       jobs,
		Workspaces: workspaces,
		Stages: &pipeline.Builder{
			Toolchain: rt.Toolchain,
			Publisher: artifact.NewPublisher(bucket, metrics),
		},
		Runner: &pipeline.Runner{
			StageTimeout: cfg.StageTimeout,
			LogTail:      tc.LogTailBytes,
			Metrics:      metrics,
		},
	}
	return rt, nil
}

// SweepWorkspaces removes workspaces older than maxAge every interval until
// ctx is done.
func (rt *Runtime) SweepWorkspaces(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.Workspaces.Sweep(maxAge); err != nil {
				slog.Warn("Workspace sweep failed", "error", err)
			}
		}
	}
}

// Close releases the executor.
func (rt *Runtime) Close() error {
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
