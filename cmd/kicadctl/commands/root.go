package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kicad-jobs/internal/client"
)

var (
	apiURL string
	apiKey string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kicadctl",
	Short: "kicadctl - submit keyboard layouts and fetch generated KiCad PCBs",
	Long: `kicadctl talks to the kicad-api server. It submits keyboard layouts
exported from keyboard-layout-editor together with build settings, follows
the build while it runs and downloads the resulting KiCad project.

The server address and API key default to KICAD_API_URL and KICAD_API_KEY.`,
	// Without a subcommand, show help instead of silently succeeding
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the printer package.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(version, commit, date string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("KICAD_API_URL", "http://localhost:8080"), "API server base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("KICAD_API_KEY"), "API key sent as a bearer token")
}

func newClient() *client.Client {
	var opts []client.Option
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	return client.New(apiURL, opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
