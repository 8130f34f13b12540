package eda

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const managedByLabel = "managed-by=kicad-worker"

// DockerConfig configures the container executor.
type DockerConfig struct {
	Image string
	// MountDir is bind-mounted at the same path inside every container, so
	// workspace paths are valid on both sides. It must be a host path.
	MountDir string
	Env      []string
}

// Docker runs every tool invocation in a fresh container from the toolchain image.
type Docker struct {
	client   *client.Client
	image    string
	mountDir string
	env      []string
	user     string
}

// NewDocker connects to the daemon from the environment and removes
// containers left behind by a previous worker.
func NewDocker(ctx context.Context, cfg DockerConfig) (*Docker, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("toolchain image is required")
	}
	if cfg.MountDir == "" {
		return nil, fmt.Errorf("mount dir is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := &Docker{
		client:   dockerClient,
		image:    cfg.Image,
		mountDir: cfg.MountDir,
		env:      cfg.Env,
		user:     fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}
	if err := d.reconcile(ctx); err != nil {
		slog.Warn("Failed to remove stale toolchain containers", "error", err)
	}
	return d, nil
}

// reconcile removes toolchain containers from an earlier run; their jobs
// will be retried by the queue.
func (d *Docker) reconcile(ctx context.Context) error {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		d.removeContainer(ctx, c.ID)
	}
	if len(containers) > 0 {
		slog.Info("Removed stale toolchain containers", "count", len(containers))
	}
	return nil
}

func (d *Docker) Run(ctx context.Context, cmd Command, output io.Writer) (int, error) {
	if err := d.pullImageIfNeeded(ctx); err != nil {
		return -1, fmt.Errorf("pull toolchain image: %w", err)
	}

	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        append([]string{cmd.Name}, cmd.Args...),
		Env:        append(append([]string{}, d.env...), cmd.Env...),
		WorkingDir: cmd.Dir,
		User:       d.user,
		Labels: map[string]string{
			"managed-by": "kicad-worker",
			"tool":       cmd.Name,
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: d.mountDir,
				Target: d.mountDir,
			},
		},
		NetworkMode: "none",
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		d.removeContainer(cleanupCtx, resp.ID)
	}()

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		d.copyLogs(ctx, resp.ID, output)
	}()

	code, err := d.waitForExit(ctx, resp.ID)
	if err != nil {
		return -1, err
	}
	<-logsDone
	return code, nil
}

func (d *Docker) copyLogs(ctx context.Context, containerID string, output io.Writer) {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		fmt.Fprintf(output, "failed to read container logs: %v\n", err)
		return
	}
	defer logs.Close()

	_, _ = stdcopy.StdCopy(output, output, logs)
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) pullImageIfNeeded(ctx context.Context) error {
	if _, err := d.client.ImageInspect(ctx, d.image); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Ready pings the daemon.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

var _ Executor = (*Docker)(nil)
