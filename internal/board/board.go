// Package board reads and edits KiCad board files (.kicad_pcb) just enough
// to compute the switch outline and prepare render copies.
package board

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// OutlineMargin is the distance in millimetres between the outermost switch
// centres and the board edge.
const OutlineMargin = 12.0

// EdgeCutsLayer is the KiCad layer holding the board outline.
const EdgeCutsLayer = "Edge.Cuts"

// File format versions that changed how graphic items are written.
const (
	versionStroke = 20211014 // KiCad 6: (stroke (width) (type)) and tstamp
	versionUUID   = 20240108 // KiCad 8: uuid replaces tstamp
)

var switchReference = regexp.MustCompile(`^SW\d+$`)

// ErrNoSwitches is returned when the board has no SW<n> footprints.
var ErrNoSwitches = errors.New("no switch footprints (SW<n>) found on board")

// Point is a board coordinate in millimetres.
type Point struct {
	X, Y float64
}

// Rect is an axis aligned rectangle.
type Rect struct {
	Min, Max Point
}

// Expand grows the rectangle by m on every side.
func (r Rect) Expand(m float64) Rect {
	return Rect{
		Min: Point{r.Min.X - m, r.Min.Y - m},
		Max: Point{r.Max.X + m, r.Max.Y + m},
	}
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Corners returns the corners clockwise from the top-left in KiCad's
// y-down coordinate system.
func (r Rect) Corners() [4]Point {
	return [4]Point{
		{r.Min.X, r.Min.Y},
		{r.Max.X, r.Min.Y},
		{r.Max.X, r.Max.Y},
		{r.Min.X, r.Max.Y},
	}
}

// Segment is a straight line between two points.
type Segment struct {
	Start, End Point
}

// Bounds returns the bounding box of pts. ok is false when pts is empty.
func Bounds(pts []Point) (r Rect, ok bool) {
	if len(pts) == 0 {
		return Rect{}, false
	}
	r = Rect{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		r.Min.X = math.Min(r.Min.X, p.X)
		r.Min.Y = math.Min(r.Min.Y, p.Y)
		r.Max.X = math.Max(r.Max.X, p.X)
		r.Max.Y = math.Max(r.Max.Y, p.Y)
	}
	return r, true
}

// Outline returns the four closing segments of r's boundary.
func Outline(r Rect) []Segment {
	c := r.Corners()
	segs := make([]Segment, len(c))
	for i := range c {
		segs[i] = Segment{Start: c[i], End: c[(i+1)%len(c)]}
	}
	return segs
}

// Footprint is a placed footprint.
type Footprint struct {
	Reference string
	Position  Point
}

// Board is a parsed .kicad_pcb file.
type Board struct {
	root *Node
}

// New wraps an already parsed root node.
func New(root *Node) (*Board, error) {
	if root.Head() != "kicad_pcb" {
		return nil, fmt.Errorf("not a kicad_pcb file: root is %q", root.Head())
	}
	return &Board{root: root}, nil
}

// Load reads and parses a board file.
func Load(path string) (*Board, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	root, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return New(root)
}

// Save writes the board to path through a temporary file in the same
// directory, so a failed write leaves the previous file intact.
func (b *Board) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Format(tmp, b.root); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Version returns the file format version, or 0 when it is absent.
func (b *Board) Version() int {
	v := b.root.Child("version")
	if v == nil {
		return 0
	}
	s, _ := v.Arg(0)
	n, _ := strconv.Atoi(s)
	return n
}

// Footprints returns every footprint with its reference and position.
func (b *Board) Footprints() []Footprint {
	var out []Footprint
	for _, n := range b.root.Items {
		if !isFootprint(n) {
			continue
		}
		p, _ := position(n)
		out = append(out, Footprint{Reference: reference(n), Position: p})
	}
	return out
}

// SwitchBounds returns the bounding box of the SW<n> footprint positions.
func (b *Board) SwitchBounds() (Rect, error) {
	var pts []Point
	for _, fp := range b.Footprints() {
		if switchReference.MatchString(fp.Reference) {
			pts = append(pts, fp.Position)
		}
	}
	r, ok := Bounds(pts)
	if !ok {
		return Rect{}, ErrNoSwitches
	}
	return r, nil
}

// AddOutline appends the closed rectangle r to the Edge.Cuts layer.
func (b *Board) AddOutline(r Rect) []Segment {
	segs := Outline(r)
	version := b.Version()
	for _, s := range segs {
		b.root.Append(b.edgeLine(s, version))
	}
	return segs
}

func (b *Board) edgeLine(s Segment, version int) *Node {
	n := List("gr_line",
		List("start", num(s.Start.X), num(s.Start.Y)),
		List("end", num(s.End.X), num(s.End.Y)),
	)
	if version >= versionStroke {
		n.Append(List("stroke", List("width", num(0.1)), List("type", Atom("solid"))))
	} else {
		n.Append(List("width", num(0.1)))
	}
	layer := Atom(EdgeCutsLayer)
	if version >= versionStroke {
		layer = String(EdgeCutsLayer)
	}
	n.Append(List("layer", layer))
	switch {
	case version >= versionUUID:
		n.Append(List("uuid", String(uuid.NewString())))
	case version >= versionStroke:
		n.Append(List("tstamp", Atom(uuid.NewString())))
	}
	return n
}

// EdgeSegments returns the straight graphic lines on the Edge.Cuts layer.
func (b *Board) EdgeSegments() []Segment {
	var out []Segment
	for _, n := range b.root.Children("gr_line") {
		if layerOf(n) != EdgeCutsLayer {
			continue
		}
		start, ok1 := point(n.Child("start"))
		end, ok2 := point(n.Child("end"))
		if ok1 && ok2 {
			out = append(out, Segment{Start: start, End: end})
		}
	}
	return out
}

// EdgeBounds returns the bounding box of every Edge.Cuts graphic.
func (b *Board) EdgeBounds() (Rect, bool) {
	var pts []Point
	for _, n := range b.root.Items {
		switch n.Head() {
		case "gr_line", "gr_rect", "gr_arc", "gr_poly", "gr_circle":
		default:
			continue
		}
		if layerOf(n) != EdgeCutsLayer {
			continue
		}
		for _, key := range []string{"start", "mid", "end", "center"} {
			if p, ok := point(n.Child(key)); ok {
				pts = append(pts, p)
			}
		}
		if pl := n.Child("pts"); pl != nil {
			for _, xy := range pl.Children("xy") {
				if p, ok := point(xy); ok {
					pts = append(pts, p)
				}
			}
		}
	}
	return Bounds(pts)
}

// RemoveOutside drops footprints, tracks, arcs and vias whose position lies
// outside r, mirroring what the render step needs. Other board content is
// kept. It returns the number of removed items.
func (b *Board) RemoveOutside(r Rect) int {
	return b.root.Remove(func(n *Node) bool {
		var p Point
		var ok bool
		switch {
		case isFootprint(n):
			p, ok = position(n)
		case n.Head() == "segment" || n.Head() == "arc":
			p, ok = point(n.Child("start"))
		case n.Head() == "via":
			p, ok = point(n.Child("at"))
		default:
			return false
		}
		return ok && !r.Contains(p)
	})
}

func isFootprint(n *Node) bool {
	h := n.Head()
	return h == "footprint" || h == "module"
}

func position(n *Node) (Point, bool) {
	return point(n.Child("at"))
}

func point(n *Node) (Point, bool) {
	if n == nil {
		return Point{}, false
	}
	xs, ok1 := n.Arg(0)
	ys, ok2 := n.Arg(1)
	if !ok1 || !ok2 {
		return Point{}, false
	}
	x, err1 := strconv.ParseFloat(xs, 64)
	y, err2 := strconv.ParseFloat(ys, 64)
	if err1 != nil || err2 != nil {
		return Point{}, false
	}
	return Point{x, y}, true
}

// reference handles both KiCad 8 properties and the older fp_text form.
func reference(n *Node) string {
	for _, p := range n.Children("property") {
		if k, _ := p.Arg(0); k == "Reference" {
			v, _ := p.Arg(1)
			return v
		}
	}
	for _, t := range n.Children("fp_text") {
		if k, _ := t.Arg(0); k == "reference" {
			v, _ := t.Arg(1)
			return v
		}
	}
	return ""
}

func layerOf(n *Node) string {
	l := n.Child("layer")
	if l == nil {
		return ""
	}
	v, _ := l.Arg(0)
	return v
}

func num(v float64) *Node {
	return Atom(strconv.FormatFloat(v, 'f', -1, 64))
}
