package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"kicad-jobs/internal/api"
	"kicad-jobs/internal/printer"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show the state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return requestError("Cannot get task status", err)
		}
		if statusJSON {
			enc := json.NewEncoder(printer.Output)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		printStatus(status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task that has not started yet",
	Long: `Cancel a pending task. Running tasks cannot be cancelled and finished
tasks are reported as gone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Cancel(cmd.Context(), args[0])
		if err != nil {
			return requestError("Cannot cancel task", err)
		}
		printer.Success("%s\n", resp.Message)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status document")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

// printStatus writes a human-readable summary of s.
func printStatus(s *api.TaskStatus) {
	r := s.Result
	switch s.TaskStatus {
	case api.TaskPending:
		printer.Step("Task %s is waiting for a worker\n", s.TaskID)
	case api.TaskProgress:
		if r == nil {
			r = &api.TaskResult{}
		}
		printer.Step("Task %s is running: %d%% %s\n", s.TaskID, r.Percentage, r.Message)
	case api.TaskSuccess:
		printer.Success("Task %s succeeded\n", s.TaskID)
		if r == nil || r.Artifacts == nil {
			return
		}
		a := r.Artifacts
		if a.ProjectName != "" {
			printer.Detail("project", a.ProjectName)
		}
		if a.DurationSeconds > 0 {
			printer.Detail("duration", fmt.Sprintf("%.1fs", a.DurationSeconds))
		}
		printer.Detail("result", a.Result)
		for _, name := range sortedKeys(a.Renders) {
			printer.Detail("render "+name, a.Renders[name])
		}
		for _, name := range sortedKeys(a.RenderErrors) {
			printer.Warning("render %s failed: %s\n", name, a.RenderErrors[name])
		}
	case api.TaskFailure:
		msg := "unknown error"
		if r != nil && r.Error != "" {
			msg = r.Error
		}
		printer.Warning("Task %s failed: %s\n", s.TaskID, msg)
		if r != nil && r.Stage != "" {
			printer.Detail("stage", r.Stage)
		}
		if r != nil && r.Field != "" {
			printer.Detail("field", r.Field)
		}
	case api.TaskRevoked:
		printer.Warning("Task %s was cancelled\n", s.TaskID)
	default:
		printer.Info("Task %s: %s\n", s.TaskID, s.TaskStatus)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
