// Package layout validates and normalizes keyboard layout build requests.
package layout

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Routing selects how much of the board kbplacer routes.
type Routing string

const (
	RoutingDisabled    Routing = "Disabled"
	RoutingSwitchDiode Routing = "Switch-Diode only"
	RoutingFull        Routing = "Full"
)

// RoutesSwitchesWithDiodes reports whether switch to diode tracks are drawn.
func (r Routing) RoutesSwitchesWithDiodes() bool {
	return r == RoutingSwitchDiode || r == RoutingFull
}

// RoutesRowsAndColumns reports whether the matrix rows and columns are drawn.
func (r Routing) RoutesRowsAndColumns() bool {
	return r == RoutingFull
}

// Controller selects an optional controller circuit template.
type Controller string

const (
	ControllerNone       Controller = "None"
	ControllerATmega32U4 Controller = "ATmega32U4"
)

// Side is the board side an element is placed on.
type Side string

const (
	SideFront Side = "FRONT"
	SideBack  Side = "BACK"
)

// DefaultProjectName is used when the layout name is empty or sanitizes to nothing.
const DefaultProjectName = "keyboard"

// DefaultKeyDistance is the standard 1u key pitch in millimetres.
const DefaultKeyDistance = 19.05

// Request is a build submission: the layout document plus settings.
type Request struct {
	Layout   json.RawMessage `json:"layout"`
	Settings json.RawMessage `json:"settings"`
}

// ParseRequest decodes a submission body. It only checks that the body is a
// JSON object; semantic checks happen in Validate.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &req, nil
}

// Meta is the layout metadata block.
type Meta struct {
	Name   string `json:"name"`
	Author string `json:"author,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Key is one key of the layout. Unknown fields are preserved in Raw so the
// toolchain sees the key exactly as submitted.
type Key struct {
	Labels []*string       `json:"labels"`
	Row    int             `json:"-"`
	Column int             `json:"-"`
	Raw    json.RawMessage `json:"-"`
}

// Label returns the trimmed matrix label, or "" when it is missing.
func (k Key) Label() string {
	if len(k.Labels) == 0 || k.Labels[0] == nil {
		return ""
	}
	return strings.TrimSpace(*k.Labels[0])
}

// Document is a validated layout. Keys are sorted by (row, column).
type Document struct {
	Meta Meta
	Keys []Key

	fields map[string]json.RawMessage
}

// MarshalJSON writes the layout back out with keys in sorted order and every
// other top-level field untouched.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.fields)+2)
	for k, v := range d.fields {
		out[k] = v
	}
	keys := make([]json.RawMessage, len(d.Keys))
	for i, k := range d.Keys {
		keys[i] = k.Raw
	}
	rawKeys, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	out["keys"] = rawKeys
	if _, ok := out["meta"]; !ok {
		rawMeta, err := json.Marshal(d.Meta)
		if err != nil {
			return nil, err
		}
		out["meta"] = rawMeta
	}
	return json.Marshal(out)
}

// KeyDistance is the key pitch in millimetres.
type KeyDistance struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// String formats the pitch the way kbplacer expects it.
func (k KeyDistance) String() string {
	return fmt.Sprintf("%g %g", k.X, k.Y)
}

// Footprint is a library:footprint identifier.
type Footprint struct {
	Library string
	Name    string
}

// String returns the library:footprint form.
func (f Footprint) String() string {
	return f.Library + ":" + f.Name
}

// Settings are the validated build settings.
type Settings struct {
	SwitchFootprint   Footprint
	DiodeFootprint    Footprint
	Routing           Routing
	ControllerCircuit Controller
	KeyDistance       KeyDistance
	SwitchRotation    int
	SwitchSide        Side
	DiodeRotation     int
	DiodeSide         Side
	DiodePositionX    float64
	DiodePositionY    float64
}

// Validated is the output of Validate.
type Validated struct {
	Layout      *Document
	Settings    Settings
	ProjectName string
}
