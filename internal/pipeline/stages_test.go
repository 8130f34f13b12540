package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/board"
	"kicad-jobs/internal/config"
	"kicad-jobs/internal/eda"
	"kicad-jobs/internal/layout"
	"kicad-jobs/internal/storage"
)

const placedBoard = `(kicad_pcb (version 20221018) (generator pcbnew)
  (footprint "Lib:SW" (layer "F.Cu") (at 100 50) (property "Reference" "SW1"))
  (footprint "Lib:SW" (layer "F.Cu") (at 119.05 50) (property "Reference" "SW2"))
  (footprint "Lib:SW" (layer "F.Cu") (at 100 69.05) (property "Reference" "SW3"))
  (footprint "Lib:SW" (layer "F.Cu") (at 119.05 69.05) (property "Reference" "SW4"))
  (footprint "Package_QFP:TQFP-44" (layer "F.Cu") (at 300 300) (property "Reference" "U1"))
)
`

// fakeTools imitates the EDA tools closely enough for the stages to run.
type fakeTools struct {
	mu         sync.Mutex
	calls      []string
	failTool   string
	clobber    bool     // The failing tool truncates its -b board first
	renderSeen []string // Board contents passed to pcb export
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func (f *fakeTools) Run(_ context.Context, cmd eda.Command, output io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tool := filepath.Base(cmd.Name)
	if tool == "python3" {
		tool = "kbplacer"
		if slices.Contains(cmd.Args, "-t") {
			tool = "kbplacer-template"
		}
	}
	if tool == "kicad-cli" {
		tool += "-" + cmd.Args[0]
	}
	f.calls = append(f.calls, tool)

	if tool == f.failTool {
		if board := argAfter(cmd.Args, "-b"); f.clobber && board != "" {
			os.WriteFile(board, []byte("(kicad_pcb"), 0o644)
		}
		fmt.Fprintln(output, "Traceback (most recent call last): placement exploded")
		return 1, nil
	}

	switch tool {
	case "kle2netlist":
		dir, name := argAfter(cmd.Args, "--output-dir"), argAfter(cmd.Args, "--name")
		if err := os.WriteFile(filepath.Join(dir, name+".net"), []byte("(export)"), 0o644); err != nil {
			return -1, err
		}
		if err := os.WriteFile(filepath.Join(dir, name+".kicad_sch"), []byte("(kicad_sch)"), 0o644); err != nil {
			return -1, err
		}
	case "kinet2pcb":
		name := strings.TrimSuffix(argAfter(cmd.Args, "-i"), ".net")
		if err := os.WriteFile(filepath.Join(cmd.Dir, name+".kicad_pcb"), []byte(placedBoard), 0o644); err != nil {
			return -1, err
		}
	case "kicad-cli-pcb":
		src := cmd.Args[len(cmd.Args)-1]
		data, err := os.ReadFile(src)
		if err != nil {
			return -1, err
		}
		f.renderSeen = append(f.renderSeen, string(data))
		if err := os.WriteFile(argAfter(cmd.Args, "-o"), []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`), 0o644); err != nil {
			return -1, err
		}
	case "kicad-cli-sch":
		sch := cmd.Args[len(cmd.Args)-1]
		out := filepath.Join(argAfter(cmd.Args, "--output"), strings.TrimSuffix(filepath.Base(sch), ".kicad_sch")+".svg")
		if err := os.WriteFile(out, []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`), 0o644); err != nil {
			return -1, err
		}
	}
	fmt.Fprintf(output, "%s ok\n", tool)
	return 0, nil
}

func (f *fakeTools) Ready(context.Context) error { return nil }

const stageSettings = `{
	"routing": "Full",
	"switchFootprint": "LibA:FP",
	"diodeFootprint": "LibB:FP2",
	"switchRotation": 0,
	"switchSide": "FRONT",
	"diodeRotation": 90,
	"diodeSide": "BACK",
	"diodePositionX": 5.08,
	"diodePositionY": 4.0,
	"controllerCircuit": %q
}`

func buildState(t *testing.T, controller string) *State {
	t.Helper()
	v, err := layout.Validate(&layout.Request{
		Layout:   json.RawMessage(`{"meta":{"name":""},"keys":[{"labels":["2,2"]},{"labels":["1,2"]},{"labels":["2,1"]},{"labels":["1,1"]}]}`),
		Settings: json.RawMessage(fmt.Sprintf(stageSettings, controller)),
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	st := newState(t)
	st.Build = v
	return st
}

func newBuilder(t *testing.T, tools *fakeTools) (*Builder, *storage.Local) {
	t.Helper()
	footprints := t.TempDir()
	lib := filepath.Join(footprints, "LibA.pretty")
	if err := os.MkdirAll(lib, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lib, "FP.kicad_mod"), []byte("(footprint FP)"), 0o644); err != nil {
		t.Fatal(err)
	}

	bucket, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tc := eda.NewToolchain(tools, config.ToolchainConfig{
		Python:             "python3",
		KicadCLI:           "kicad-cli",
		Kle2Netlist:        "kle2netlist",
		Kinet2PCB:          "kinet2pcb",
		FootprintDir:       footprints,
		ControllerTemplate: "/templates/atmega32u4.kicad_pcb",
	})
	return &Builder{Toolchain: tc, Publisher: artifact.NewPublisher(bucket, nil)}, bucket
}

func TestStagesOrder(t *testing.T) {
	t.Parallel()

	b := &Builder{}
	names := func(stages []Stage) []string {
		var out []string
		for _, s := range stages {
			out = append(out, fmt.Sprintf("%s:%d", s.Name, s.Percent))
		}
		return out
	}

	without := names(b.Stages(layout.Settings{ControllerCircuit: layout.ControllerNone}))
	want := []string{"prepare:10", "netlist:20", "pcb:30", "placement:40", "outline:60", "render:70", "package:80", "publish:90"}
	if !slices.Equal(without, want) {
		t.Errorf("stages = %v, want %v", without, want)
	}

	with := names(b.Stages(layout.Settings{ControllerCircuit: layout.ControllerATmega32U4}))
	if !slices.Contains(with, "template:50") {
		t.Errorf("stages = %v, want template stage", with)
	}
}

func TestBuildEndToEnd(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{}
	builder, bucket := newBuilder(t, tools)
	st := buildState(t, "ATmega32U4")
	rep := &recordingReporter{}

	if err := (&Runner{}).Run(context.Background(), builder.Stages(st.Build.Settings), st, rep); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !slices.Equal(rep.percent, []int{10, 20, 30, 40, 50, 60, 70, 80, 90}) {
		t.Errorf("progress = %v", rep.percent)
	}
	wantCalls := []string{"kle2netlist", "kinet2pcb", "kbplacer", "kbplacer-template", "kicad-cli-pcb", "kicad-cli-pcb", "kicad-cli-sch"}
	if !slices.Equal(tools.calls, wantCalls) {
		t.Errorf("tool calls = %v, want %v", tools.calls, wantCalls)
	}

	ws := st.Workspace
	for _, f := range []string{"sym-lib-table", "fp-lib-table", "keyboard.kicad_pro", "keyboard.json", "footprints/LibA.pretty/FP.kicad_mod"} {
		if _, err := os.Stat(filepath.Join(ws.ProjectDir, filepath.FromSlash(f))); err != nil {
			t.Errorf("missing project file %s: %v", f, err)
		}
	}
	table, _ := os.ReadFile(filepath.Join(ws.ProjectDir, "fp-lib-table"))
	if !strings.Contains(string(table), `${KIPRJMOD}/footprints/LibA.pretty`) {
		t.Errorf("fp-lib-table = %s", table)
	}

	// Layout JSON handed to the tools is sorted by row, column.
	var doc struct {
		Keys []struct {
			Labels []string `json:"labels"`
		} `json:"keys"`
	}
	data, _ := os.ReadFile(ws.ProjectFile(".json"))
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("layout json: %v", err)
	}
	var order []string
	for _, k := range doc.Keys {
		order = append(order, k.Labels[0])
	}
	if !slices.Equal(order, []string{"1,1", "1,2", "2,1", "2,2"}) {
		t.Errorf("key order = %v", order)
	}

	// Outline is the switch bounding box grown by the margin.
	pcb, err := board.Load(ws.ProjectFile(".kicad_pcb"))
	if err != nil {
		t.Fatal(err)
	}
	edges, ok := pcb.EdgeBounds()
	if !ok {
		t.Fatal("final board has no outline")
	}
	want := board.Rect{Min: board.Point{X: 88, Y: 38}, Max: board.Point{X: 131.05, Y: 81.05}}
	if !nearRect(edges, want) {
		t.Errorf("outline = %+v, want %+v", edges, want)
	}
	if len(pcb.EdgeSegments()) != 4 {
		t.Errorf("edge segments = %d, want 4", len(pcb.EdgeSegments()))
	}

	// The render copy drops the controller placed outside the outline; the deliverable keeps it.
	if len(tools.renderSeen) != 2 || strings.Contains(tools.renderSeen[0], `"U1"`) {
		t.Errorf("render input still contains U1")
	}
	if !slices.ContainsFunc(pcb.Footprints(), func(f board.Footprint) bool { return f.Reference == "U1" }) {
		t.Error("final board lost U1")
	}
	if _, err := os.Stat(filepath.Join(ws.ProjectDir, "keyboard_render.kicad_pcb")); !os.IsNotExist(err) {
		t.Error("render copy was not removed")
	}

	if st.Artifacts == nil {
		t.Fatal("no artifacts published")
	}
	for _, name := range artifact.Previews {
		if st.Artifacts.Previews[name] == "" {
			t.Errorf("preview %s not published: %+v", name, st.Artifacts)
		}
	}
	if _, err := bucket.Stat(context.Background(), "job-1/job-1.zip"); err != nil {
		t.Errorf("bundle not in storage: %v", err)
	}
}

func TestBuildPlacementFailure(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{failTool: "kbplacer"}
	builder, _ := newBuilder(t, tools)
	st := buildState(t, "None")

	err := (&Runner{}).Run(context.Background(), builder.Stages(st.Build.Settings), st, &recordingReporter{})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Stage != StagePlacement {
		t.Errorf("Stage = %q, want placement", se.Stage)
	}
	if !strings.HasPrefix(err.Error(), "Switch placement failed, details:\n") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !strings.Contains(se.LogTail, "placement exploded") {
		t.Errorf("LogTail = %q", se.LogTail)
	}
	if st.Artifacts != nil {
		t.Error("artifacts published after a failed stage")
	}
	if slices.Contains(tools.calls, "kicad-cli-pcb") {
		t.Error("render ran after placement failed")
	}
}

func TestBuildFailedPlacementRestoresBoard(t *testing.T) {
	t.Parallel()

	tools := &fakeTools{failTool: "kbplacer", clobber: true}
	builder, _ := newBuilder(t, tools)
	st := buildState(t, "None")

	err := (&Runner{}).Run(context.Background(), builder.Stages(st.Build.Settings), st, &recordingReporter{})
	if err == nil {
		t.Fatal("Run() error = nil, want placement failure")
	}

	data, err := os.ReadFile(st.Workspace.ProjectFile(".kicad_pcb"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != placedBoard {
		t.Errorf("board = %q, want the pcb stage output", data)
	}
}

func nearRect(a, b board.Rect) bool {
	const eps = 1e-9
	return math.Abs(a.Min.X-b.Min.X) < eps && math.Abs(a.Min.Y-b.Min.Y) < eps &&
		math.Abs(a.Max.X-b.Max.X) < eps && math.Abs(a.Max.Y-b.Max.Y) < eps
}
