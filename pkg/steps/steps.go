// Package steps defines the draw operations a renderer records and the
// append-only log that keeps them in insertion order.
//
// A step is created once and never mutated. Its index is assigned by the
// [Log] when it is appended and is the only ordering key the compiler uses:
// the final stacking order of a render is the order in which steps were
// added, whatever order raster layers finish in.
package steps

import (
	"path/filepath"
	"strings"

	"github.com/matzehuels/ffcanvas/pkg/align"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/raster"
)

// Filled is the rectangle thickness meaning "fill the box".
const Filled = -1

// Text defaults. Raster text uses the same values.
const (
	DefaultTextSize   = raster.DefaultTextSize
	DefaultTextColor  = raster.DefaultTextColor
	DefaultBoxPadding = raster.DefaultBoxPadding
	DefaultRectColor  = "#ffffff"
)

// Kind names a step variant.
type Kind string

const (
	KindFile      Kind = "file"
	KindText      Kind = "text"
	KindRectangle Kind = "rectangle"
	KindCanvas    Kind = "canvas"
)

// Mode selects how a text step is drawn.
type Mode int

const (
	// Native text is drawn by ffmpeg's drawtext filter.
	Native Mode = iota
	// Raster text is drawn by a worker and overlaid as an image.
	Raster
)

func (m Mode) String() string {
	if m == Raster {
		return "raster"
	}
	return "native"
}

// ParseMode parses "native" (or empty) and "raster" ("canvas" is accepted
// as an alias).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "native":
		return Native, nil
	case "raster", "canvas":
		return Raster, nil
	}
	return Native, errors.New(errors.ErrCodeInvalidInput, "invalid text mode %q (must be native or raster)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Offset is a colored displacement used for text shadows and borders.
type Offset = raster.Offset

// Background is a padded box drawn behind text.
type Background = raster.Background

// Placement positions a step on the canvas.
// It is embedded in every step variant.
type Placement struct {
	X     float64         `json:"x" toml:"x"`
	Y     float64         `json:"y" toml:"y"`
	Align align.Alignment `json:"align,omitzero" toml:"align"`
}

// Step is one recorded draw operation.
type Step interface {
	// Index is the insertion position in the log.
	Index() int
	Kind() Kind
	Position() Placement
	Validate() error
}

// File overlays an image or animation. Width or Height of 0 keeps the
// source size on that axis (or its aspect ratio when the other is set).
type File struct {
	Placement
	index int

	Path   string
	Width  int
	Height int
}

func (File) Kind() Kind            { return KindFile }
func (f File) Index() int          { return f.index }
func (f File) Position() Placement { return f.Placement }

// Animated reports whether the source plays over time.
func (f File) Animated() bool { return IsAnimated(f.Path) }

func (f File) Validate() error {
	if err := errors.ValidatePath(f.Path); err != nil {
		return err
	}
	if f.Width < 0 || f.Height < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "file %s: size must not be negative", f.Path)
	}
	return nil
}

// Text draws a string.
type Text struct {
	Placement
	index int

	Content    string
	Font       string
	Size       float64
	Color      string
	Weight     int
	Shadow     *Offset
	Border     *Offset
	Background *Background
	Mode       Mode
}

func (Text) Kind() Kind            { return KindText }
func (t Text) Index() int          { return t.index }
func (t Text) Position() Placement { return t.Placement }

func (t Text) Validate() error {
	if t.Size < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "text size must not be negative")
	}
	if t.Weight < 0 || t.Weight > 1000 {
		return errors.New(errors.ErrCodeInvalidInput, "font weight out of range: %d", t.Weight)
	}
	colors := []string{t.Color}
	if t.Shadow != nil {
		colors = append(colors, t.Shadow.Color)
	}
	if t.Border != nil {
		colors = append(colors, t.Border.Color)
	}
	if t.Background != nil {
		colors = append(colors, t.Background.Color)
	}
	for _, c := range colors {
		if err := errors.ValidateColor(c); err != nil {
			return err
		}
	}
	return nil
}

// Rectangle draws a box. Thickness 0 or Filled fills it.
type Rectangle struct {
	Placement
	index int

	Width     int
	Height    int
	Color     string
	Thickness int
}

func (Rectangle) Kind() Kind            { return KindRectangle }
func (r Rectangle) Index() int          { return r.index }
func (r Rectangle) Position() Placement { return r.Placement }

// IsFilled reports whether the box is filled rather than stroked.
func (r Rectangle) IsFilled() bool { return r.Thickness == 0 || r.Thickness == Filled }

func (r Rectangle) Validate() error {
	if r.Width < 0 || r.Height < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "rectangle size must not be negative")
	}
	if r.Thickness < Filled {
		return errors.New(errors.ErrCodeInvalidInput, "invalid rectangle thickness %d", r.Thickness)
	}
	return errors.ValidateColor(r.Color)
}

// Canvas draws a raster routine on a Width x Height layer.
type Canvas struct {
	Placement
	index int

	Width   int
	Height  int
	Routine raster.Routine
	Data    any
}

func (Canvas) Kind() Kind            { return KindCanvas }
func (c Canvas) Index() int          { return c.index }
func (c Canvas) Position() Placement { return c.Placement }

func (c Canvas) Validate() error {
	if err := errors.ValidateDimensions(c.Width, c.Height); err != nil {
		return err
	}
	return c.Routine.Validate()
}

// IsAnimated reports whether path names a format that plays over time and
// needs loop/trim handling.
func IsAnimated(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif", ".apng":
		return true
	}
	return false
}

// FontWeight returns the weight to resolve fonts with.
func (t Text) FontWeight() int {
	if t.Weight == 0 {
		return fonts.WeightNormal
	}
	return t.Weight
}
