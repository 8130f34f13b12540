package eda

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"kicad-jobs/internal/config"
)

// Board layers exported for the preview renders.
const (
	LayersFront = "F.Cu,F.SilkS,Edge.Cuts"
	LayersBack  = "B.Cu,B.SilkS,Edge.Cuts"
)

// Toolchain builds typed invocations of the EDA tools and runs them through an Executor.
type Toolchain struct {
	exec Executor
	cfg  config.ToolchainConfig
}

// NewToolchain binds tool locations to an executor.
func NewToolchain(exec Executor, cfg config.ToolchainConfig) *Toolchain {
	return &Toolchain{exec: exec, cfg: cfg}
}

// Config returns the tool locations in use.
func (t *Toolchain) Config() config.ToolchainConfig { return t.cfg }

// Ready reports whether the executor can run tools.
func (t *Toolchain) Ready(ctx context.Context) error { return t.exec.Ready(ctx) }

func (t *Toolchain) run(ctx context.Context, cmd Command, output io.Writer) error {
	fmt.Fprintf(output, "$ %s\n", cmd)
	code, err := t.exec.Run(ctx, cmd, output)
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExitError{Tool: cmd.Name, ExitCode: code}
	}
	return nil
}

// NetlistArgs are the inputs to kle2netlist.
type NetlistArgs struct {
	Layout            string // Path to the sorted layout JSON
	OutputDir         string
	Name              string
	SwitchFootprint   string
	ControllerCircuit bool
}

// Netlist derives the schematic and netlist from the layout.
func (t *Toolchain) Netlist(ctx context.Context, a NetlistArgs, output io.Writer) error {
	args := []string{
		"--layout", a.Layout,
		"--output-dir", a.OutputDir,
		"--name", a.Name,
		"--switch-footprint", a.SwitchFootprint,
		"-l", t.cfg.LibraryDir,
	}
	if a.ControllerCircuit {
		args = append(args, "--controller-circuit")
	}
	return t.run(ctx, Command{Name: t.cfg.Kle2Netlist, Args: args, Dir: a.OutputDir}, output)
}

// PCBFromNetlist creates <name>.kicad_pcb from <name>.net inside projectDir.
func (t *Toolchain) PCBFromNetlist(ctx context.Context, projectDir, name string, output io.Writer) error {
	return t.run(ctx, Command{
		Name: t.cfg.Kinet2PCB,
		Args: []string{"-w", "-nb", "-i", name + ".net"},
		Dir:  projectDir,
		Env:  t.kicadEnv(projectDir),
	}, output)
}

// PlaceArgs are the inputs to kbplacer.
type PlaceArgs struct {
	Layout                  string
	Board                   string
	RouteSwitchesWithDiodes bool
	RouteRowsAndColumns     bool
	KeyDistance             string
	SwitchRotation          int
	SwitchSide              string
	DiodeRotation           int
	DiodeSide               string
	DiodeX                  float64
	DiodeY                  float64
}

// DiodeSpec is kbplacer's custom diode placement descriptor.
func (a PlaceArgs) DiodeSpec() string {
	return fmt.Sprintf("D{} CUSTOM %s %s %d %s",
		strconv.FormatFloat(a.DiodeX, 'f', -1, 64),
		strconv.FormatFloat(a.DiodeY, 'f', -1, 64),
		a.DiodeRotation, a.DiodeSide)
}

// Place runs switch and diode placement (and routing, when enabled) on the board.
func (t *Toolchain) Place(ctx context.Context, a PlaceArgs, output io.Writer) error {
	args := []string{"-m", "kbplacer", "-l", a.Layout, "-b", a.Board}
	if a.RouteSwitchesWithDiodes {
		args = append(args, "--route-switches-with-diodes")
	}
	if a.RouteRowsAndColumns {
		args = append(args, "--route-rows-and-columns")
	}
	args = append(args,
		"--key-distance", a.KeyDistance,
		"--switch-rotation", strconv.Itoa(a.SwitchRotation),
		"--switch-side", a.SwitchSide,
		"--diode", a.DiodeSpec(),
	)
	return t.run(ctx, t.kbplacer(args, filepath.Dir(a.Board)), output)
}

// MergeTemplate merges the controller circuit template into the board.
func (t *Toolchain) MergeTemplate(ctx context.Context, layout, board string, output io.Writer) error {
	args := []string{"-m", "kbplacer", "-l", layout, "-b", board, "-t", t.cfg.ControllerTemplate}
	return t.run(ctx, t.kbplacer(args, filepath.Dir(board)), output)
}

func (t *Toolchain) kbplacer(args []string, projectDir string) Command {
	dir := t.cfg.KbplacerDir
	if dir == "" {
		dir = projectDir
	}
	return Command{Name: t.cfg.Python, Args: args, Dir: dir, Env: t.kicadEnv(projectDir)}
}

// ExportBoardSVG plots the given layers of a board into a single SVG.
func (t *Toolchain) ExportBoardSVG(ctx context.Context, board, layers string, mirror bool, out string, output io.Writer) error {
	args := []string{
		"pcb", "export", "svg",
		"--layers", layers,
		"--exclude-drawing-sheet",
		"--fit-page-to-board",
		"--mode-single",
	}
	if mirror {
		args = append(args, "--mirror")
	}
	args = append(args, "-o", out, board)
	return t.run(ctx, Command{Name: t.cfg.KicadCLI, Args: args, Dir: filepath.Dir(board)}, output)
}

// ExportSchematicSVG plots a schematic; kicad-cli writes <name>.svg into outDir.
func (t *Toolchain) ExportSchematicSVG(ctx context.Context, schematic, outDir string, output io.Writer) error {
	return t.run(ctx, Command{
		Name: t.cfg.KicadCLI,
		Args: []string{"sch", "export", "svg", "--exclude-drawing-sheet", "--output", outDir, schematic},
		Dir:  filepath.Dir(schematic),
	}, output)
}

func (t *Toolchain) kicadEnv(projectDir string) []string {
	env := []string{"KIPRJMOD=" + projectDir}
	if t.cfg.FootprintDir != "" {
		env = append(env,
			"KICAD8_FOOTPRINT_DIR="+t.cfg.FootprintDir,
			"KICAD9_FOOTPRINT_DIR="+t.cfg.FootprintDir,
		)
	}
	return env
}
