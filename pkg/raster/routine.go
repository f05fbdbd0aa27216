// Package raster draws raster layers inside worker processes.
//
// Drawing code never crosses the process boundary. A [Routine] is either a
// closed list of data-only drawing instructions ([Op]) or the name of a
// [Func] registered with [Register] inside the worker binary. The pool ships
// the routine and its JSON payload to a worker, which draws it with gogpu/gg
// and writes a PNG layer.
//
// Text instructions may use text/template syntax; the template is executed
// against the task payload, so one routine can be reused with different data.
package raster

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/matzehuels/ffcanvas/pkg/align"
	"github.com/matzehuels/ffcanvas/pkg/errors"
)

// OpKind identifies a drawing instruction.
type OpKind string

const (
	OpClear  OpKind = "clear"
	OpRect   OpKind = "rect"
	OpCircle OpKind = "circle"
	OpLine   OpKind = "line"
	OpText   OpKind = "text"
	OpImage  OpKind = "image"
)

// Offset is a colored displacement, used for text shadows and borders.
type Offset struct {
	Color string  `json:"color,omitempty" toml:"color"`
	X     float64 `json:"x" toml:"x"`
	Y     float64 `json:"y" toml:"y"`
}

// Background is a filled box drawn behind text.
type Background struct {
	Color   string  `json:"color,omitempty" toml:"color"`
	Padding float64 `json:"padding,omitempty" toml:"padding"`
}

// Op is one drawing instruction. Fields not used by Kind are ignored.
//
//	rect    X, Y, W, H, Radius, Color, Stroke (0 fills)
//	circle  X, Y, Radius, Color, Stroke
//	line    X, Y, X2, Y2, Color, Stroke
//	text    X, Y, Text, Font, Size, Weight, Color, Align, Shadow, Border, Background
//	image   X, Y, W, H, Path (W or H of 0 keeps the aspect ratio)
//	clear   Color (empty clears to transparent)
type Op struct {
	Kind OpKind `json:"op" toml:"op"`

	X      float64 `json:"x,omitempty" toml:"x"`
	Y      float64 `json:"y,omitempty" toml:"y"`
	X2     float64 `json:"x2,omitempty" toml:"x2"`
	Y2     float64 `json:"y2,omitempty" toml:"y2"`
	W      float64 `json:"w,omitempty" toml:"w"`
	H      float64 `json:"h,omitempty" toml:"h"`
	Radius float64 `json:"radius,omitempty" toml:"radius"`

	Color  string  `json:"color,omitempty" toml:"color"`
	Stroke float64 `json:"stroke,omitempty" toml:"stroke"`

	Text       string          `json:"text,omitempty" toml:"text"`
	Font       string          `json:"font,omitempty" toml:"font"`
	Size       float64         `json:"size,omitempty" toml:"size"`
	Weight     int             `json:"weight,omitempty" toml:"weight"`
	Align      align.Alignment `json:"align,omitzero" toml:"align"`
	Shadow     *Offset         `json:"shadow,omitempty" toml:"shadow"`
	Border     *Offset         `json:"border,omitempty" toml:"border"`
	Background *Background     `json:"background,omitempty" toml:"background"`

	Path string `json:"path,omitempty" toml:"path"`
}

// Routine is what a worker draws: either Name, a routine registered in the
// worker binary, or an inline list of Ops.
type Routine struct {
	Name string `json:"name,omitempty" toml:"name"`
	Ops  []Op   `json:"ops,omitempty" toml:"ops"`
}

// Named returns a routine referring to a registered Func.
func Named(name string) Routine { return Routine{Name: name} }

// Draw returns an inline routine.
func Draw(ops ...Op) Routine { return Routine{Ops: ops} }

// Validate checks the routine's structure. Registered names are resolved by
// the worker, so an unknown name only fails there.
func (r Routine) Validate() error {
	if r.Name != "" && len(r.Ops) > 0 {
		return errors.New(errors.ErrCodeInvalidInput, "routine %q cannot also carry inline ops", r.Name)
	}
	for i, op := range r.Ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks one instruction.
func (o Op) Validate() error {
	switch o.Kind {
	case OpClear, OpRect, OpCircle, OpLine:
	case OpText:
		if o.Size < 0 {
			return errors.New(errors.ErrCodeInvalidInput, "text size must not be negative")
		}
		for _, off := range []*Offset{o.Shadow, o.Border} {
			if off != nil {
				if err := errors.ValidateColor(off.Color); err != nil {
					return err
				}
			}
		}
		if o.Background != nil {
			if err := errors.ValidateColor(o.Background.Color); err != nil {
				return err
			}
		}
	case OpImage:
		if err := errors.ValidatePath(o.Path); err != nil {
			return err
		}
	default:
		return errors.New(errors.ErrCodeInvalidInput, "unknown op %q", o.Kind)
	}
	if o.W < 0 || o.H < 0 || o.Radius < 0 || o.Stroke < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "%s: sizes must not be negative", o.Kind)
	}
	return errors.ValidateColor(o.Color)
}

// Encode serializes the routine for the worker protocol.
func (r Routine) Encode() (json.RawMessage, error) {
	return json.Marshal(r)
}

// =============================================================================
// Registered routines
// =============================================================================

// Func draws onto s. It runs inside a worker process.
type Func func(s *Surface) error

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{}
)

// Register makes fn available under name to routines executed by workers
// started from this binary. It panics if name is empty or already taken.
func Register(name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" || fn == nil {
		panic("raster: Register with empty name or nil func")
	}
	if _, dup := registry[name]; dup {
		panic("raster: Register called twice for " + name)
	}
	registry[name] = fn
}

// Lookup returns the routine registered under name.
func Lookup(name string) (Func, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Names lists the registered routines.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func errInvalidPayload(msg string) error {
	return errors.New(errors.ErrCodeInvalidInput, "%s", msg)
}
