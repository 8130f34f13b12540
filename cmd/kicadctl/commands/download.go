package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/client"
	"kicad-jobs/internal/printer"
)

var (
	downloadOutput  string
	downloadExtract string
	renderOutput    string
)

var downloadCmd = &cobra.Command{
	Use:   "download TASK_ID",
	Short: "Download the generated KiCad project as a zip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if downloadExtract == "" {
			out := downloadOutput
			if out == "" {
				out = id + ".zip"
			}
			return download(cmd.Context(), newClient(), id, out)
		}
		return downloadAndExtract(cmd.Context(), newClient(), id, downloadOutput, downloadExtract)
	},
}

var renderCmd = &cobra.Command{
	Use:   "render TASK_ID NAME",
	Short: "Download an SVG preview (front, back or schematic)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, name := args[0], args[1]
		if !artifact.IsPreview(name) {
			return printer.Error("Unknown render", fmt.Sprintf("%q is not a preview name.", name), artifact.Previews)
		}
		out := renderOutput
		if out == "" {
			out = fmt.Sprintf("%s-%s.svg", id, name)
		}
		c := newClient()
		return save(out, "render", func(w io.Writer) (int64, error) {
			return c.Render(cmd.Context(), id, name, w)
		})
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "Output file (default: TASK_ID.zip, \"-\" for stdout)")
	downloadCmd.Flags().StringVarP(&downloadExtract, "extract", "x", "", "Unpack the project into this directory")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Output file (default: TASK_ID-NAME.svg, \"-\" for stdout)")

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(renderCmd)
}

func download(ctx context.Context, c *client.Client, id, out string) error {
	return save(out, "bundle", func(w io.Writer) (int64, error) {
		return c.Download(ctx, id, w)
	})
}

// downloadAndExtract unpacks the bundle into dir. The zip is kept only when
// out names a file.
func downloadAndExtract(ctx context.Context, c *client.Client, id, out, dir string) error {
	if out == "-" {
		return printer.Error("Cannot extract from stdout", "--extract needs the bundle on disk.", []string{"Drop --output -", "Pipe the zip into unzip instead"})
	}
	if out == "" {
		tmp, err := os.CreateTemp("", id+"-*.zip")
		if err != nil {
			return printer.Error("Cannot create temporary file", err.Error(), nil)
		}
		tmp.Close()
		out = tmp.Name()
		defer os.Remove(out)
	}
	if err := download(ctx, c, id, out); err != nil {
		return err
	}
	if err := artifact.Unpack(out, dir); err != nil {
		return printer.Error("Cannot extract bundle", err.Error(), nil)
	}
	printer.Success("Extracted project to %s\n", dir)
	return nil
}

// save streams fetch into path. A partial file is removed on failure.
func save(path, what string, fetch func(io.Writer) (int64, error)) error {
	if path == "-" {
		if _, err := fetch(os.Stdout); err != nil {
			return requestError("Download failed", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return printer.Error("Cannot create output file", err.Error(), nil)
	}
	n, err := fetch(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return requestError("Download failed", err)
	}
	printer.Success("Saved %s to %s (%d bytes)\n", what, path, n)
	return nil
}
