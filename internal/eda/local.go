package eda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Local runs tools as child processes of the worker.
type Local struct {
	// Require lists binaries that must be on PATH for Ready to succeed.
	Require []string
	// WaitDelay bounds how long output pipes may stay open after a kill.
	WaitDelay time.Duration
}

// NewLocal returns an executor that checks for the given binaries on Ready.
func NewLocal(require ...string) *Local {
	return &Local{Require: require, WaitDelay: 5 * time.Second}
}

func (l *Local) Run(ctx context.Context, cmd Command, output io.Writer) (int, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = output
	c.Stderr = output
	c.WaitDelay = l.WaitDelay

	err := c.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	return 0, nil
}

func (l *Local) Ready(_ context.Context) error {
	var errs []error
	for _, bin := range l.Require {
		if _, err := exec.LookPath(bin); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Executor = (*Local)(nil)
