package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"kicad-jobs/internal/api"
	"kicad-jobs/internal/client"
	"kicad-jobs/internal/printer"
)

var (
	submitLayout   string
	submitSettings string
	submitWait     bool
	submitInterval time.Duration
	submitTimeout  time.Duration
	submitOutput   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a keyboard layout for PCB generation",
	Long: `Submit a keyboard-layout-editor JSON layout and build settings.

Settings may be JSON or YAML. With --wait the command follows the build
until it finishes and, when --output is set, downloads the zip bundle.

Examples:
  # Submit and print the task id
  kicadctl submit --layout board.json --settings settings.yaml

  # Submit, wait and download the project
  kicadctl submit --layout board.json --settings settings.json --wait -o board.zip`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitLayout, "layout", "l", "", "Layout JSON file (\"-\" for stdin)")
	submitCmd.Flags().StringVarP(&submitSettings, "settings", "s", "", "Settings JSON or YAML file")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the build to finish")
	submitCmd.Flags().DurationVar(&submitInterval, "interval", 2*time.Second, "Polling interval with --wait")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 15*time.Minute, "Give up waiting after this long")
	submitCmd.Flags().StringVarP(&submitOutput, "output", "o", "", "Download the bundle here once the build succeeds (implies --wait)")
	_ = submitCmd.MarkFlagRequired("layout")
	_ = submitCmd.MarkFlagRequired("settings")

	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	layoutDoc, err := loadDocument(submitLayout)
	if err != nil {
		return printer.Error("Cannot read layout", err.Error(), nil)
	}
	settingsDoc, err := loadDocument(submitSettings)
	if err != nil {
		return printer.Error("Cannot read settings", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c := newClient()
	status, err := c.Submit(ctx, layoutDoc, settingsDoc)
	if err != nil {
		return requestError("Submit failed", err)
	}
	printer.Success("Submitted task %s\n", status.TaskID)

	if !submitWait && submitOutput == "" {
		printer.Info("Follow it with: kicadctl status %s\n", status.TaskID)
		return nil
	}

	final, err := wait(ctx, c, status.TaskID, submitInterval, submitTimeout)
	if err != nil {
		return err
	}
	if final.TaskStatus != api.TaskSuccess {
		return taskError(final)
	}
	printStatus(final)

	if submitOutput != "" {
		return download(ctx, c, status.TaskID, submitOutput)
	}
	return nil
}

// wait polls the task and prints each progress change.
func wait(ctx context.Context, c *client.Client, id string, interval, timeout time.Duration) (*api.TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastPct = -1
	var lastMsg string
	status, err := c.Wait(ctx, id, interval, func(s *api.TaskStatus) {
		if s.TaskStatus != api.TaskProgress || s.Result == nil {
			return
		}
		if s.Result.Percentage == lastPct && s.Result.Message == lastMsg {
			return
		}
		lastPct, lastMsg = s.Result.Percentage, s.Result.Message
		printer.Step("%3d%% %s\n", s.Result.Percentage, s.Result.Message)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, printer.Error(
			"Timed out waiting for task",
			fmt.Sprintf("Task %s did not finish within %s.", id, timeout),
			[]string{fmt.Sprintf("Check on it later with: kicadctl status %s", id)},
		)
	case err != nil:
		return nil, requestError("Lost track of task", err)
	}
	return status, nil
}

// taskError reports a failed or revoked task.
func taskError(s *api.TaskStatus) error {
	if s.TaskStatus == api.TaskRevoked {
		return printer.Error("Task was cancelled", fmt.Sprintf("Task %s was revoked before it ran.", s.TaskID), nil)
	}
	explanation := "The build failed."
	var suggestions []string
	if r := s.Result; r != nil {
		explanation = r.Error
		if r.Stage != "" {
			explanation = fmt.Sprintf("Stage %s: %s", r.Stage, r.Error)
		}
		if r.Field != "" {
			suggestions = append(suggestions, fmt.Sprintf("Fix %q in the submitted request", r.Field))
		}
		if r.Log != "" {
			explanation += "\n\nBuild log:\n" + r.Log
		}
	}
	return printer.Error("Task failed", explanation, suggestions)
}

// requestError maps client errors to explanations.
func requestError(title string, err error) error {
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		return printer.Error(title, err.Error(), []string{"Pass the server's key with --api-key or KICAD_API_KEY"})
	case errors.Is(err, client.ErrOverloaded):
		return printer.Error(title, err.Error(), []string{"Retry once queued builds have finished"})
	case errors.Is(err, client.ErrNotFound):
		return printer.Error(title, err.Error(), []string{"Tasks expire after the server's retention period"})
	default:
		return printer.Error(title, err.Error(), nil)
	}
}
