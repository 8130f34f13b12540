// Package eda runs the external EDA tools (kle2netlist, kinet2pcb, kbplacer,
// kicad-cli) behind a narrow subprocess boundary.
package eda

import (
	"context"
	"fmt"
	"io"
)

// Command is one tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string   // Working directory; must lie inside the job workspace for the docker executor
	Env  []string // Extra KEY=VALUE pairs on top of the executor's environment
}

// String renders the command line for build logs.
func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Executor runs commands to completion. Combined stdout/stderr is written to
// output. A non-zero exit is reported through the exit code, not the error;
// the error is reserved for failures to run the command at all (including
// context cancellation).
type Executor interface {
	Run(ctx context.Context, cmd Command, output io.Writer) (exitCode int, err error)
	Ready(ctx context.Context) error
}

// ExitError reports a tool that ran and exited non-zero.
type ExitError struct {
	Tool     string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
}
