package filtergraph

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/matzehuels/ffcanvas/pkg/align"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/steps"
)

// FontResolver maps a text step's font name to a font file.
type FontResolver interface {
	Resolve(name string, weight int) (path string, ok bool)
}

// Scene is the compiler input.
type Scene struct {
	Width  int
	Height int

	// Background is an image path. Empty selects a transparent canvas.
	Background string

	// Steps must be native or already resolved: raster text and canvas
	// steps are replaced by File steps before compiling. They must be in
	// strictly increasing index order.
	Steps []steps.Step

	// Duration is the play length of animated sources. Required when any
	// File step is animated.
	Duration time.Duration

	// FPS appends a frame-rate conversion to animated output when positive.
	FPS float64

	// Fonts resolves drawtext fonts. Nil passes names to fontconfig.
	Fonts FontResolver

	// DefaultFont is used by text steps without a font.
	DefaultFont string
}

// Palette stage settings for animated output.
var (
	paletteGenOptions = []Option{{"reserve_transparent", "1"}, {"stats_mode", "full"}}
	paletteUseOptions = []Option{{"dither", "bayer"}, {"bayer_scale", "5"}, {"new", "1"}}
)

type compiler struct {
	scene   Scene
	prog    *Program
	current StreamRef
	labels  int
}

// Compile turns scene into a program.
func Compile(scene Scene) (*Program, error) {
	if err := errors.ValidateDimensions(scene.Width, scene.Height); err != nil {
		return nil, err
	}
	if scene.FPS < 0 || math.IsNaN(scene.FPS) {
		return nil, errors.New(errors.ErrCodeInvalidInput, "target fps must not be negative")
	}

	c := &compiler{
		scene: scene,
		prog:  &Program{Width: scene.Width, Height: scene.Height},
	}
	for _, s := range scene.Steps {
		if f, ok := s.(steps.File); ok && f.Animated() {
			c.prog.Animated = true
			break
		}
	}
	if c.prog.Animated && scene.Duration <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "animated sources need a positive target duration")
	}

	c.background()

	last := -1
	for _, s := range scene.Steps {
		if s.Index() <= last {
			return nil, errors.New(errors.ErrCodeInternal, "step %d (%s) is out of order after step %d", s.Index(), s.Kind(), last)
		}
		last = s.Index()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", s.Index(), err)
		}
		if err := c.step(s); err != nil {
			return nil, fmt.Errorf("step %d: %w", s.Index(), err)
		}
	}

	if c.prog.Animated {
		c.paletteTail()
	}
	c.prog.Output = c.current
	return c.prog, nil
}

func (c *compiler) label() StreamRef {
	ref := LabelRef("l" + strconv.Itoa(c.labels))
	c.labels++
	return ref
}

func (c *compiler) addInput(in Input) StreamRef {
	c.prog.Inputs = append(c.prog.Inputs, in)
	return InputRef(len(c.prog.Inputs) - 1)
}

// emit appends a node consuming inputs and producing one fresh label, which
// becomes the current composite.
func (c *compiler) emit(filter string, opts []Option, inputs ...StreamRef) StreamRef {
	out := c.label()
	c.prog.Nodes = append(c.prog.Nodes, Node{Filter: filter, Options: opts, Inputs: inputs, Outputs: []StreamRef{out}})
	return out
}

func (c *compiler) background() {
	var in StreamRef
	if c.scene.Background == "" {
		src := fmt.Sprintf("color=c=black@0.0:s=%dx%d", c.scene.Width, c.scene.Height)
		if c.prog.Animated {
			src += ":d=" + seconds(c.scene.Duration)
		}
		in = c.addInput(Input{Path: src + ",format=rgba", Options: []string{"-f", "lavfi"}})
	} else {
		in = c.addInput(Input{Path: c.scene.Background})
	}
	c.current = c.emit("scale", []Option{
		{"", strconv.Itoa(c.scene.Width)},
		{"", strconv.Itoa(c.scene.Height)},
	}, in)
}

func (c *compiler) step(s steps.Step) error {
	switch v := s.(type) {
	case steps.File:
		c.file(v)
	case steps.Text:
		if v.Mode == steps.Raster {
			return errors.New(errors.ErrCodeInternal, "raster text must be rendered to a layer before compiling")
		}
		c.text(v)
	case steps.Rectangle:
		c.rectangle(v)
	case steps.Canvas:
		return errors.New(errors.ErrCodeInternal, "canvas steps must be rendered to a layer before compiling")
	default:
		return errors.New(errors.ErrCodeUnsupported, "unsupported step %T", s)
	}
	return nil
}

func (c *compiler) file(f steps.File) {
	in := Input{Path: f.Path}
	if f.Animated() {
		in.Animated = true
		in.Options = []string{"-ignore_loop", "0", "-t", seconds(c.scene.Duration)}
	}
	src := c.addInput(in)

	if f.Width > 0 || f.Height > 0 {
		src = c.emit("scale", []Option{{"", dim(f.Width)}, {"", dim(f.Height)}}, src)
	}

	xExt, yExt := align.Symbolic(align.Overlay), align.Symbolic(align.Overlay)
	if f.Width > 0 {
		xExt = align.Known(float64(f.Width))
	}
	if f.Height > 0 {
		yExt = align.Known(float64(f.Height))
	}
	c.current = c.emit("overlay", []Option{
		{"x", align.Resolve(f.X, f.Align.X, align.Width, xExt)},
		{"y", align.Resolve(f.Y, f.Align.Y, align.Height, yExt)},
	}, c.current, src)
}

func (c *compiler) text(t steps.Text) {
	opts := []Option{
		{"text", t.Content},
		{"x", align.Resolve(t.X, t.Align.X, align.Width, align.Symbolic(align.Text))},
		{"y", align.Resolve(t.Y, t.Align.Y, align.Height, align.Symbolic(align.Text))},
		c.font(t),
		{"fontsize", align.FormatNumber(or(t.Size, steps.DefaultTextSize))},
		{"fontcolor", orString(t.Color, steps.DefaultTextColor)},
	}
	if sh := t.Shadow; sh != nil {
		opts = append(opts,
			Option{"shadowcolor", orString(sh.Color, "black")},
			Option{"shadowx", align.FormatNumber(sh.X)},
			Option{"shadowy", align.FormatNumber(sh.Y)},
		)
	}
	if b := t.Border; b != nil {
		opts = append(opts,
			Option{"bordercolor", orString(b.Color, "black")},
			Option{"borderw", align.FormatNumber(math.Max(b.X, b.Y))},
		)
	}
	if bg := t.Background; bg != nil {
		opts = append(opts,
			Option{"box", "1"},
			Option{"boxcolor", orString(bg.Color, "#00000000")},
			Option{"boxborderw", align.FormatNumber(or(bg.Padding, steps.DefaultBoxPadding))},
		)
	}
	opts = append(opts, Option{"expansion", "none"})
	c.current = c.emit("drawtext", opts, c.current)
}

// font picks fontfile for names that resolve to a file and leaves other
// names to fontconfig.
func (c *compiler) font(t steps.Text) Option {
	name := orString(t.Font, c.scene.DefaultFont)
	if c.scene.Fonts != nil {
		if path, ok := c.scene.Fonts.Resolve(name, t.FontWeight()); ok {
			return Option{"fontfile", path}
		}
	}
	return Option{"font", orString(name, fonts.DefaultFamily)}
}

func (c *compiler) rectangle(r steps.Rectangle) {
	xExt, yExt := align.Symbolic(align.Box), align.Symbolic(align.Box)
	if r.Width > 0 {
		xExt = align.Known(float64(r.Width))
	}
	if r.Height > 0 {
		yExt = align.Known(float64(r.Height))
	}
	thickness := "fill"
	if !r.IsFilled() {
		thickness = strconv.Itoa(r.Thickness)
	}
	c.current = c.emit("drawbox", []Option{
		{"x", align.Resolve(r.X, r.Align.X, align.Width, xExt)},
		{"y", align.Resolve(r.Y, r.Align.Y, align.Height, yExt)},
		{"w", strconv.Itoa(r.Width)},
		{"h", strconv.Itoa(r.Height)},
		{"color", orString(r.Color, steps.DefaultRectColor)},
		{"t", thickness},
	}, c.current)
}

// paletteTail encodes the composite against a generated palette, then
// optionally converts the frame rate.
func (c *compiler) paletteTail() {
	a, b := c.label(), c.label()
	c.prog.Nodes = append(c.prog.Nodes, Node{Filter: "split", Inputs: []StreamRef{c.current}, Outputs: []StreamRef{a, b}})
	palette := c.emit("palettegen", paletteGenOptions, a)
	c.current = c.emit("paletteuse", paletteUseOptions, b, palette)
	if c.scene.FPS > 0 {
		c.current = c.emit("fps", []Option{{"", align.FormatNumber(c.scene.FPS)}}, c.current)
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// dim maps an unset size to ffmpeg's keep-aspect -1.
func dim(v int) string {
	if v <= 0 {
		return "-1"
	}
	return strconv.Itoa(v)
}

func or(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
