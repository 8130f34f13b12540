package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/layout"
	"kicad-jobs/internal/printer"
)

var (
	validateLayout   string
	validateSettings string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a layout and settings locally without submitting",
	Long: `Run the same checks a worker performs before building, without
contacting the server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		layoutDoc, err := loadDocument(validateLayout)
		if err != nil {
			return printer.Error("Cannot read layout", err.Error(), nil)
		}
		settingsDoc, err := loadDocument(validateSettings)
		if err != nil {
			return printer.Error("Cannot read settings", err.Error(), nil)
		}

		v, err := layout.Validate(&layout.Request{Layout: layoutDoc, Settings: settingsDoc})
		if err != nil {
			var suggestions []string
			if field := apperrors.FieldOf(err); field != "" {
				suggestions = []string{"Check the " + field + " field"}
			}
			return printer.Error("Invalid request", err.Error(), suggestions)
		}

		printer.Success("Request is valid\n")
		printer.Detail("project", v.ProjectName)
		printer.Detail("keys", strconv.Itoa(len(v.Layout.Keys)))
		printer.Detail("routing", string(v.Settings.Routing))
		printer.Detail("switch footprint", v.Settings.SwitchFootprint.String())
		printer.Detail("diode footprint", v.Settings.DiodeFootprint.String())
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateLayout, "layout", "l", "", "Layout JSON file (\"-\" for stdin)")
	validateCmd.Flags().StringVarP(&validateSettings, "settings", "s", "", "Settings JSON or YAML file")
	_ = validateCmd.MarkFlagRequired("layout")
	_ = validateCmd.MarkFlagRequired("settings")

	rootCmd.AddCommand(validateCmd)
}
