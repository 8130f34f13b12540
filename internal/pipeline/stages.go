package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/board"
	"kicad-jobs/internal/eda"
	"kicad-jobs/internal/layout"
)

// Stage names.
const (
	StagePrepare   = "prepare"
	StageNetlist   = "netlist"
	StagePCB       = "pcb"
	StagePlacement = "placement"
	StageTemplate  = "template"
	StageOutline   = "outline"
	StageRender    = "render"
	StagePackage   = "package"
	StagePublish   = "publish"
)

// Builder holds the collaborators of the canonical build stages.
type Builder struct {
	Toolchain *eda.Toolchain
	Publisher *artifact.Publisher
}

// Stages returns the canonical build for settings. The template stage is
// only included when a controller circuit was selected.
func (b *Builder) Stages(settings layout.Settings) []Stage {
	stages := []Stage{
		{Name: StagePrepare, Percent: 10, Summary: "Preparing project failed", Run: b.prepare},
		{Name: StageNetlist, Percent: 20, Summary: "Generate netlist failed", Run: b.netlist},
		{Name: StagePCB, Percent: 30, Summary: "Generate .kicad_pcb from netlist failed", Run: b.pcb},
		{Name: StagePlacement, Percent: 40, Summary: "Switch placement failed", Run: restoreOnFailure(b.placement)},
	}
	if settings.ControllerCircuit != layout.ControllerNone {
		stages = append(stages, Stage{Name: StageTemplate, Percent: 50, Summary: "Controller circuit merge failed", Run: restoreOnFailure(b.template)})
	}
	return append(stages,
		Stage{Name: StageOutline, Percent: 60, Summary: "Adding edge cuts failed", Run: outline},
		Stage{Name: StageRender, Percent: 70, Summary: "Render generation failed", Run: b.render},
		Stage{Name: StagePackage, Percent: 80, Summary: "Packaging project failed", Run: pack},
		Stage{Name: StagePublish, Percent: 90, Summary: "Publishing artifacts failed", Run: b.publish},
	)
}

func (b *Builder) prepare(_ context.Context, st *State) error {
	ws := st.Workspace
	settings := st.Build.Settings

	if err := os.WriteFile(filepath.Join(ws.ProjectDir, "sym-lib-table"), []byte("(sym_lib_table\n)\n"), 0o644); err != nil {
		return err
	}

	table := "(fp_lib_table\n"
	lib := settings.SwitchFootprint.Library
	if src := filepath.Join(b.Toolchain.Config().FootprintDir, lib+".pretty"); isDir(src) {
		dst := filepath.Join(ws.ProjectDir, "footprints", lib+".pretty")
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("bundle switch library %s: %w", lib, err)
		}
		table += fmt.Sprintf("  (lib (name %q)(type \"KiCad\")(uri \"${KIPRJMOD}/footprints/%s.pretty\")(options \"\")(descr \"\"))\n", lib, lib)
	} else {
		ws.Log.Printf("switch library %s not found under %s, not bundled", lib, b.Toolchain.Config().FootprintDir)
	}
	table += ")\n"
	if err := os.WriteFile(filepath.Join(ws.ProjectDir, "fp-lib-table"), []byte(table), 0o644); err != nil {
		return err
	}

	project, err := json.MarshalIndent(map[string]any{
		"meta":           map[string]any{"filename": ws.ProjectName + ".kicad_pro", "version": 1},
		"board":          map[string]any{},
		"sheets":         []any{},
		"text_variables": map[string]any{},
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(ws.ProjectFile(".kicad_pro"), project, 0o644); err != nil {
		return err
	}

	doc, err := json.MarshalIndent(st.Build.Layout, "", "  ")
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}
	return os.WriteFile(ws.ProjectFile(".json"), doc, 0o644)
}

func (b *Builder) netlist(ctx context.Context, st *State) error {
	ws := st.Workspace
	return b.Toolchain.Netlist(ctx, eda.NetlistArgs{
		Layout:            ws.ProjectFile(".json"),
		OutputDir:         ws.ProjectDir,
		Name:              ws.ProjectName,
		SwitchFootprint:   st.Build.Settings.SwitchFootprint.String(),
		ControllerCircuit: st.Build.Settings.ControllerCircuit != layout.ControllerNone,
	}, ws.Log)
}

func (b *Builder) pcb(ctx context.Context, st *State) error {
	ws := st.Workspace
	return b.Toolchain.PCBFromNetlist(ctx, ws.ProjectDir, ws.ProjectName, ws.Log)
}

func (b *Builder) placement(ctx context.Context, st *State) error {
	ws := st.Workspace
	s := st.Build.Settings
	return b.Toolchain.Place(ctx, eda.PlaceArgs{
		Layout:                  ws.ProjectFile(".json"),
		Board:                   ws.ProjectFile(".kicad_pcb"),
		RouteSwitchesWithDiodes: s.Routing.RoutesSwitchesWithDiodes(),
		RouteRowsAndColumns:     s.Routing.RoutesRowsAndColumns(),
		KeyDistance:             s.KeyDistance.String(),
		SwitchRotation:          s.SwitchRotation,
		SwitchSide:              string(s.SwitchSide),
		DiodeRotation:           s.DiodeRotation,
		DiodeSide:               string(s.DiodeSide),
		DiodeX:                  s.DiodePositionX,
		DiodeY:                  s.DiodePositionY,
	}, ws.Log)
}

func (b *Builder) template(ctx context.Context, st *State) error {
	ws := st.Workspace
	return b.Toolchain.MergeTemplate(ctx, ws.ProjectFile(".json"), ws.ProjectFile(".kicad_pcb"), ws.Log)
}

// outline draws the Edge.Cuts rectangle around the switches. Save replaces
// the board atomically, so a failure leaves the placement output untouched.
func outline(_ context.Context, st *State) error {
	path := st.Workspace.ProjectFile(".kicad_pcb")
	pcb, err := board.Load(path)
	if err != nil {
		return err
	}
	bounds, err := pcb.SwitchBounds()
	if err != nil {
		return err
	}
	rect := bounds.Expand(board.OutlineMargin)
	pcb.AddOutline(rect)
	st.Workspace.Log.Printf("outline (%g, %g) - (%g, %g)", rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y)
	return pcb.Save(path)
}

// render plots previews from a copy of the board without the items placed
// outside the outline, such as an unplaced controller circuit.
func (b *Builder) render(ctx context.Context, st *State) error {
	ws := st.Workspace

	pcb, err := board.Load(ws.ProjectFile(".kicad_pcb"))
	if err != nil {
		return err
	}
	bounds, ok := pcb.EdgeBounds()
	if !ok {
		return errors.New("board has no outline")
	}
	removed := pcb.RemoveOutside(bounds)
	ws.Log.Printf("removed %d items outside the outline for rendering", removed)

	renderCopy := filepath.Join(ws.ProjectDir, ws.ProjectName+"_render.kicad_pcb")
	if err := pcb.Save(renderCopy); err != nil {
		return err
	}
	defer os.Remove(renderCopy)

	if err := b.Toolchain.ExportBoardSVG(ctx, renderCopy, eda.LayersFront, false, ws.LogFile(artifact.PreviewFront+".svg"), ws.Log); err != nil {
		return err
	}
	if err := b.Toolchain.ExportBoardSVG(ctx, renderCopy, eda.LayersBack, true, ws.LogFile(artifact.PreviewBack+".svg"), ws.Log); err != nil {
		return err
	}

	schematic := ws.ProjectFile(".kicad_sch")
	if _, err := os.Stat(schematic); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := b.Toolchain.ExportSchematicSVG(ctx, schematic, ws.ProjectDir, ws.Log); err != nil {
		return err
	}
	// kicad-cli names the plot after the schematic.
	if err := os.Rename(ws.ProjectFile(".svg"), ws.LogFile(artifact.PreviewSchematic+".svg")); err != nil {
		return fmt.Errorf("failed to generate schematic image: %w", err)
	}
	return nil
}

func pack(_ context.Context, st *State) error {
	dest := st.Workspace.ArchivePath()
	if err := artifact.Pack(st.Workspace.Root, dest); err != nil {
		return err
	}
	st.BundlePath = dest
	return nil
}

func (b *Builder) publish(ctx context.Context, st *State) error {
	if st.BundlePath == "" {
		return errors.New("no bundle to publish")
	}
	ref, err := b.Publisher.Publish(ctx, st.Workspace, st.BundlePath)
	if err != nil {
		return err
	}
	st.Artifacts = ref
	return nil
}

// restoreOnFailure wraps a stage whose tool rewrites the board in place. The
// board is snapshotted first and put back if the stage fails, so a failed
// workspace always holds the previous stage's complete board.
func restoreOnFailure(run func(context.Context, *State) error) func(context.Context, *State) error {
	return func(ctx context.Context, st *State) error {
		path := st.Workspace.ProjectFile(".kicad_pcb")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to snapshot board: %w", err)
		}
		if err := run(ctx, st); err != nil {
			if werr := os.WriteFile(path, data, 0o644); werr != nil {
				return errors.Join(err, fmt.Errorf("failed to restore board: %w", werr))
			}
			st.Workspace.Log.Printf("restored %s after failed stage", filepath.Base(path))
			return err
		}
		return nil
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
