package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"kicad-jobs/internal/apperrors"
)

var labelPattern = regexp.MustCompile(`^[0-9]+,[0-9]+$`)

// Validate checks settings, then the layout, and returns the normalized
// request. It has no side effects.
func Validate(req *Request) (*Validated, error) {
	if req == nil {
		return nil, invalid("request", "", ErrInvalidRequest, "invalid task request: body is empty")
	}
	settings, err := ValidateSettings(req.Settings)
	if err != nil {
		return nil, err
	}
	doc, err := ParseLayout(req.Layout)
	if err != nil {
		return nil, err
	}
	return &Validated{
		Layout:      doc,
		Settings:    *settings,
		ProjectName: ProjectName(doc.Meta.Name),
	}, nil
}

// ParseLayout decodes and checks a layout document and sorts its keys by
// (row, column).
func ParseLayout(raw json.RawMessage) (*Document, error) {
	if isEmpty(raw) {
		return nil, invalid("layout", "", ErrInvalidLayout, "invalid layout in task request")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, invalid("layout", "", ErrInvalidLayout, "invalid layout: expected a JSON object")
	}

	meta, err := parseMeta(fields["meta"])
	if err != nil {
		return nil, err
	}

	rawKeys, ok := fields["keys"]
	if !ok || isEmpty(rawKeys) {
		return nil, invalid("keys", "", ErrInvalidLayout, "invalid layout: keys must not be empty")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawKeys, &items); err != nil {
		return nil, invalid("keys", "", ErrInvalidLayout, "invalid layout: keys must be a list")
	}
	if len(items) == 0 {
		return nil, invalid("keys", "", ErrInvalidLayout, "invalid layout: keys must not be empty")
	}

	keys := make([]Key, 0, len(items))
	for i, item := range items {
		key, err := parseKey(i, item)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.SliceStable(keys, func(a, b int) bool {
		if keys[a].Row != keys[b].Row {
			return keys[a].Row < keys[b].Row
		}
		return keys[a].Column < keys[b].Column
	})

	return &Document{Meta: meta, Keys: keys, fields: fields}, nil
}

func parseMeta(raw json.RawMessage) (Meta, error) {
	if isEmpty(raw) {
		return Meta{}, invalid("meta", "", ErrInvalidLayoutMetadata, "invalid layout metadata: meta is required")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Meta{}, invalid("meta", "", ErrInvalidLayoutMetadata, "invalid layout metadata: meta must be an object")
	}
	name, ok := fields["name"]
	if !ok {
		return Meta{}, invalid("meta.name", "", ErrInvalidLayoutMetadata, "invalid layout metadata: meta.name is required")
	}
	nameStr, ok := name.(string)
	if !ok {
		return Meta{}, invalid("meta.name", fmt.Sprint(name), ErrInvalidLayoutMetadata, "invalid layout metadata: meta.name must be a string")
	}
	meta := Meta{Name: nameStr}
	meta.Author, _ = fields["author"].(string)
	meta.Notes, _ = fields["notes"].(string)
	return meta, nil
}

func parseKey(i int, raw json.RawMessage) (Key, error) {
	field := fmt.Sprintf("keys[%d].labels", i)

	var key Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return Key{}, invalid(field, "", ErrInvalidKeyLabel, "invalid key at index %d: labels must be a list of strings", i)
	}
	key.Raw = raw

	label := key.Label()
	if label == "" {
		return Key{}, invalid(field, "", ErrInvalidKeyLabel, "invalid key label at index %d: missing \"row,column\" label", i)
	}
	if !labelPattern.MatchString(label) {
		return Key{}, invalid(field, label, ErrInvalidKeyLabel, "invalid key label %q at index %d: expected \"row,column\"", label, i)
	}
	row, col, _ := strings.Cut(label, ",")
	var rowErr, colErr error
	key.Row, rowErr = strconv.Atoi(row)
	key.Column, colErr = strconv.Atoi(col)
	if rowErr != nil || colErr != nil {
		return Key{}, invalid(field, label, ErrInvalidKeyLabel, "invalid key label %q at index %d: row or column out of range", label, i)
	}
	return key, nil
}

// ValidateSettings checks the build settings block.
func ValidateSettings(raw json.RawMessage) (*Settings, error) {
	if isEmpty(raw) {
		return nil, invalid("settings", "", ErrInvalidSettings, "invalid settings in task request")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, invalid("settings", "", ErrInvalidSettings, "invalid settings: expected a JSON object")
	}
	r := settingsReader{fields: fields}

	s := &Settings{
		SwitchFootprint: r.footprint("switchFootprint"),
		DiodeFootprint:  r.footprint("diodeFootprint"),
		Routing:         r.routing("routing"),
		SwitchRotation:  r.integer("switchRotation"),
		SwitchSide:      r.side("switchSide"),
		DiodeRotation:   r.integer("diodeRotation"),
		DiodeSide:       r.side("diodeSide"),
		DiodePositionX:  r.number("diodePositionX"),
		DiodePositionY:  r.number("diodePositionY"),
	}
	s.ControllerCircuit = r.controller("controllerCircuit")
	s.KeyDistance = r.keyDistance("keyDistance")
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// settingsReader keeps the first error so fields are read in declaration order.
type settingsReader struct {
	fields map[string]any
	err    error
}

func (r *settingsReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *settingsReader) lookup(name string) (any, bool) {
	if r.err != nil {
		return nil, false
	}
	v, ok := r.fields[name]
	if !ok || v == nil {
		r.fail(invalid(name, "", ErrMissingField, "missing required field: %s", name))
		return nil, false
	}
	return v, true
}

func (r *settingsReader) str(name string) (string, bool) {
	v, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		r.fail(invalid(name, fmt.Sprint(v), ErrInvalidSettings, "invalid %s: must be a string", name))
		return "", false
	}
	return s, true
}

func (r *settingsReader) footprint(name string) Footprint {
	v, ok := r.str(name)
	if !ok {
		return Footprint{}
	}
	lib, fp, found := strings.Cut(v, ":")
	if !found || strings.TrimSpace(lib) == "" || strings.TrimSpace(fp) == "" {
		r.fail(invalid(name, v, ErrInvalidFootprintFormat,
			"invalid footprint format: %s must be in format 'lib:footprint', got %q", name, v))
		return Footprint{}
	}
	return Footprint{Library: lib, Name: fp}
}

func (r *settingsReader) routing(name string) Routing {
	v, ok := r.str(name)
	if !ok {
		return ""
	}
	switch Routing(v) {
	case RoutingDisabled, RoutingSwitchDiode, RoutingFull:
		return Routing(v)
	}
	r.fail(invalid(name, v, ErrInvalidRouting,
		"invalid routing %q: must be one of %q, %q, %q", v, RoutingDisabled, RoutingSwitchDiode, RoutingFull))
	return ""
}

func (r *settingsReader) controller(name string) Controller {
	if r.err != nil {
		return ""
	}
	v, present := r.fields[name]
	if !present || v == nil || v == "" {
		return ControllerNone
	}
	s, _ := v.(string)
	switch Controller(s) {
	case ControllerNone, ControllerATmega32U4:
		return Controller(s)
	}
	r.fail(invalid(name, fmt.Sprint(v), ErrInvalidController,
		"invalid controllerCircuit %q: must be %q or %q", fmt.Sprint(v), ControllerNone, ControllerATmega32U4))
	return ""
}

func (r *settingsReader) side(name string) Side {
	v, ok := r.lookup(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	switch Side(s) {
	case SideFront, SideBack:
		return Side(s)
	}
	r.fail(invalid(name, fmt.Sprint(v), ErrInvalidSide, "invalid %s %q: must be FRONT or BACK", name, fmt.Sprint(v)))
	return ""
}

func (r *settingsReader) integer(name string) int {
	v, ok := r.lookup(name)
	if !ok {
		return 0
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
			return int(f)
		}
	}
	r.fail(invalid(name, fmt.Sprint(v), ErrInvalidRotation, "invalid %s %v: must be an integer", name, v))
	return 0
}

func (r *settingsReader) number(name string) float64 {
	v, ok := r.lookup(name)
	if !ok {
		return 0
	}
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	r.fail(invalid(name, fmt.Sprint(v), ErrInvalidPosition, "invalid %s %v: must be a number", name, v))
	return 0
}

// keyDistance accepts "X Y", a single "X" for both axes, or a number.
func (r *settingsReader) keyDistance(name string) KeyDistance {
	def := KeyDistance{X: DefaultKeyDistance, Y: DefaultKeyDistance}
	if r.err != nil {
		return def
	}
	v, present := r.fields[name]
	if !present || v == nil || v == "" {
		return def
	}

	var parts []string
	switch val := v.(type) {
	case json.Number:
		parts = []string{val.String()}
	case string:
		parts = strings.Fields(val)
	}
	if len(parts) == 1 {
		parts = append(parts, parts[0])
	}
	if len(parts) != 2 {
		r.fail(invalid(name, fmt.Sprint(v), ErrInvalidKeyDistance, "invalid keyDistance %q: expected \"X Y\" in millimetres", fmt.Sprint(v)))
		return def
	}
	x, errX := strconv.ParseFloat(parts[0], 64)
	y, errY := strconv.ParseFloat(parts[1], 64)
	if errX != nil || errY != nil || x <= 0 || y <= 0 {
		r.fail(invalid(name, fmt.Sprint(v), ErrInvalidKeyDistance, "invalid keyDistance %q: values must be positive numbers", fmt.Sprint(v)))
		return def
	}
	return KeyDistance{X: x, Y: y}
}

func invalid(field, value string, cause error, format string, args ...any) error {
	return apperrors.InvalidValue(field, value, cause, format, args...)
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
