// Package printer writes colored CLI output.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Color output stays on when piped; NO_COLOR turns it off
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Output and ErrOutput are where messages go. Tests replace them.
var (
	Output    io.Writer = os.Stdout
	ErrOutput io.Writer = os.Stderr
)

// Success prints a green message with a checkmark.
func Success(format string, a ...any) {
	green.Fprintf(Output, "✓ %s", fmt.Sprintf(format, a...))
}

// Info prints an uncolored message.
func Info(format string, a ...any) {
	fmt.Fprintf(Output, format, a...)
}

// Warning prints a yellow message.
func Warning(format string, a ...any) {
	yellow.Fprintf(Output, "⚠️  %s", fmt.Sprintf(format, a...))
}

// Step prints a progress line.
func Step(format string, a ...any) {
	cyan.Fprintf(Output, "→ %s", fmt.Sprintf(format, a...))
}

// Detail prints a dimmed key/value line, e.g. for a build log excerpt.
func Detail(key, value string) {
	faint.Fprintf(Output, "  %s: %s\n", key, value)
}

// Error prints title in red followed by the explanation and suggestions to
// ErrOutput and returns an error carrying only the title, for cobra.
func Error(title, explanation string, suggestions []string) error {
	red.Fprintf(ErrOutput, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(ErrOutput, "%s\n", strings.TrimRight(explanation, "\n"))
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(ErrOutput, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(ErrOutput, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(ErrOutput, "  %d. %s\n", i+1, s)
		}
	}
	return fmt.Errorf("%s", title)
}
