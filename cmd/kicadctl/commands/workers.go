package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"kicad-jobs/internal/printer"
)

var workersJSON bool

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show the worker processes consuming the build queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Workers(cmd.Context())
		if err != nil {
			return requestError("Cannot list workers", err)
		}
		if workersJSON {
			enc := json.NewEncoder(printer.Output)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}

		if resp.WorkerProcesses == 0 {
			printer.Warning("No workers are consuming the queue\n")
			return nil
		}
		printer.Info("%-24s %-8s %-8s %-6s %-6s %s\n", "HOST", "PID", "STATUS", "BUSY", "IDLE", "STARTED")
		for _, w := range resp.Workers {
			printer.Info("%-24s %-8d %-8s %-6d %-6d %s\n", w.Host, w.PID, w.Status, w.ActiveTasks, w.IdleCapacity, w.Started)
		}
		printer.Info("\n%d processes, %d/%d slots busy\n", resp.WorkerProcesses, resp.ActiveTasks, resp.TotalCapacity)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "server-version",
	Short: "Print the API server version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newClient().Version(cmd.Context())
		if err != nil {
			return requestError("Cannot reach server", err)
		}
		printer.Info("%s\n", v)
		return nil
	},
}

func init() {
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "Print the raw response")

	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(versionCmd)
}
