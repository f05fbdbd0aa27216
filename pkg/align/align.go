// Package align resolves placement coordinates against the rendered size of
// the content being placed.
//
// Alignment is independent per axis. An anchor of [Start] leaves the
// coordinate untouched, [Center] subtracts half of the content extent and
// [End] subtracts the full extent. When the extent is only known to the
// compositing engine (an overlay whose source is scaled with -1, or text whose
// rendered width depends on the font) the result is an expression over the
// engine's own size variables instead of a number.
package align

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matzehuels/ffcanvas/pkg/errors"
)

// Anchor is the reference point of content along one axis.
type Anchor int

const (
	Start Anchor = iota
	Center
	End
)

// String returns the lowercase anchor name used in scene files.
func (a Anchor) String() string {
	switch a {
	case Center:
		return "center"
	case End:
		return "end"
	default:
		return "start"
	}
}

// ParseAnchor parses "start", "center" or "end". The empty string is Start.
func ParseAnchor(s string) (Anchor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "start":
		return Start, nil
	case "center", "middle":
		return Center, nil
	case "end":
		return End, nil
	}
	return Start, errors.New(errors.ErrCodeInvalidAlignment, "invalid anchor: %q (must be start, center or end)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Anchor) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Anchor) UnmarshalText(b []byte) error {
	v, err := ParseAnchor(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Alignment holds one anchor per axis.
type Alignment struct {
	X Anchor `json:"x" toml:"x"`
	Y Anchor `json:"y" toml:"y"`
}

// Both applies a single anchor to both axes.
func Both(a Anchor) Alignment { return Alignment{X: a, Y: a} }

// UnmarshalJSON accepts either a single anchor string or an {x, y} object.
func (al *Alignment) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		a, err := ParseAnchor(s)
		if err != nil {
			return err
		}
		*al = Both(a)
		return nil
	}
	var pair struct {
		X Anchor `json:"x"`
		Y Anchor `json:"y"`
	}
	if err := json.Unmarshal(b, &pair); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidAlignment, err, "alignment must be an anchor or {x, y}")
	}
	*al = Alignment{X: pair.X, Y: pair.Y}
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler for the same two spellings.
func (al *Alignment) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		a, err := ParseAnchor(val)
		if err != nil {
			return err
		}
		*al = Both(a)
		return nil
	case map[string]any:
		x, _ := val["x"].(string)
		y, _ := val["y"].(string)
		ax, err := ParseAnchor(x)
		if err != nil {
			return err
		}
		ay, err := ParseAnchor(y)
		if err != nil {
			return err
		}
		*al = Alignment{X: ax, Y: ay}
		return nil
	}
	return errors.New(errors.ErrCodeInvalidAlignment, "alignment must be a string or table, got %T", v)
}

// Axis selects the dimension an extent is measured along.
type Axis int

const (
	Width Axis = iota
	Height
)

// Kind names the engine-side size variables of the content being placed.
type Kind int

const (
	// Overlay content is sized by the overlay filter's overlay_w/overlay_h.
	Overlay Kind = iota
	// Text content is sized by drawtext's text_w/text_h.
	Text
	// Box content is sized by drawbox's own w/h.
	Box
)

// Extent is the size of the content along one axis: a literal number when it
// is known before encode time, otherwise the symbolic size of Kind.
type Extent struct {
	Kind    Kind
	Value   float64
	Literal bool
}

// Known returns a literal extent.
func Known(v float64) Extent { return Extent{Value: v, Literal: true} }

// Symbolic returns an extent resolved by the engine.
func Symbolic(k Kind) Extent { return Extent{Kind: k} }

// symbol returns the engine variable for kind along axis.
func symbol(k Kind, axis Axis) string {
	switch k {
	case Text:
		if axis == Height {
			return "text_h"
		}
		return "text_w"
	case Box:
		if axis == Height {
			return "h"
		}
		return "w"
	default:
		if axis == Height {
			return "overlay_h"
		}
		return "overlay_w"
	}
}

// Resolve returns the effective coordinate of content anchored at coord.
func Resolve(coord float64, anchor Anchor, axis Axis, extent Extent) string {
	if anchor == Start {
		return FormatNumber(coord)
	}
	if extent.Literal {
		switch anchor {
		case Center:
			return FormatNumber(coord - extent.Value/2)
		default:
			return FormatNumber(coord - extent.Value)
		}
	}
	sym := symbol(extent.Kind, axis)
	if anchor == Center {
		return fmt.Sprintf("%s-%s/2", FormatNumber(coord), sym)
	}
	return fmt.Sprintf("%s-%s", FormatNumber(coord), sym)
}

// Offset returns the literal shift applied by anchor to content of size
// extent. Raster layers use it where the whole layout is known up front.
func Offset(anchor Anchor, extent float64) float64 {
	switch anchor {
	case Center:
		return -extent / 2
	case End:
		return -extent
	}
	return 0
}

// FormatNumber prints v without a trailing fraction when it is integral.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
