// Package scene reads declarative render descriptions from TOML or JSON and
// replays them onto a pipeline.Renderer.
//
// A scene lists the canvas size, an optional background and the steps to
// draw in order:
//
//	width = 1000
//	height = 1000
//	background = "bg.png"
//
//	[[steps]]
//	type = "file"
//	path = "logo.gif"
//	x = 500
//	y = 500
//	align = "center"
//
//	[[steps]]
//	type = "text"
//	text = "Hello"
//	size = 48
//	mode = "raster"
//
// Relative paths are resolved against the scene file's directory.
package scene

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/matzehuels/ffcanvas/pkg/align"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/pipeline"
	"github.com/matzehuels/ffcanvas/pkg/raster"
	"github.com/matzehuels/ffcanvas/pkg/steps"
)

// Input formats.
const (
	FormatTOML = "toml"
	FormatJSON = "json"
)

// Scene is a decoded scene file.
type Scene struct {
	Width      int                   `json:"width" toml:"width"`
	Height     int                   `json:"height" toml:"height"`
	Background string                `json:"background,omitempty" toml:"background"`
	FPS        float64               `json:"fps,omitempty" toml:"fps"`
	Batching   pipeline.TextBatching `json:"batching,omitempty" toml:"batching"`
	Steps      []Step                `json:"steps" toml:"steps"`
}

// Step is the flat file form of every step variant. Type selects the
// variant; fields that do not apply to it must be left empty.
type Step struct {
	Type steps.Kind `json:"type" toml:"type"`

	X     float64         `json:"x,omitempty" toml:"x"`
	Y     float64         `json:"y,omitempty" toml:"y"`
	Align align.Alignment `json:"align,omitzero" toml:"align"`

	// Path is the file source; sizes apply to file, rectangle and canvas
	Path   string `json:"path,omitempty" toml:"path"`
	Width  int    `json:"width,omitempty" toml:"width"`
	Height int    `json:"height,omitempty" toml:"height"`

	// text
	Text   string            `json:"text,omitempty" toml:"text"`
	Font   string            `json:"font,omitempty" toml:"font"`
	Size   float64           `json:"size,omitempty" toml:"size"`
	Weight int               `json:"weight,omitempty" toml:"weight"`
	Shadow *steps.Offset     `json:"shadow,omitempty" toml:"shadow"`
	Border *steps.Offset     `json:"border,omitempty" toml:"border"`
	Box    *steps.Background `json:"box,omitempty" toml:"box"`
	Mode   steps.Mode        `json:"mode,omitempty" toml:"mode"`

	// text and rectangle
	Color string `json:"color,omitempty" toml:"color"`

	// rectangle
	Thickness int `json:"thickness,omitempty" toml:"thickness"`

	// canvas
	Routine *raster.Routine `json:"routine,omitempty" toml:"routine"`
	Data    any             `json:"data,omitempty" toml:"data"`
}

// Load reads a scene file. The format follows the extension: .json is JSON,
// anything else TOML. Relative paths are resolved against the file's
// directory.
func Load(path string) (*Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, err, "open scene %s", path)
	}
	defer f.Close()

	s, err := Decode(f, DetectFormat(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.ResolvePaths(filepath.Dir(path))
	return s, nil
}

// DetectFormat returns the format implied by path's extension.
func DetectFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatTOML
}

// Decode reads a scene in format and validates it.
func Decode(r io.Reader, format string) (*Scene, error) {
	var s Scene
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidScene, err, "decode scene")
		}
	case FormatTOML, "":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidScene, err, "read scene")
		}
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&s)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidScene, err, "decode scene")
		}
		if err := checkUndecoded(meta); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New(errors.ErrCodeUnsupported, "unsupported scene format %q", format)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// checkUndecoded rejects unknown top-level and step keys. Keys nested
// under align, data and routine are left to their own decoders.
func checkUndecoded(meta toml.MetaData) error {
	var unknown []string
	for _, k := range meta.Undecoded() {
		if len(k) <= 2 {
			unknown = append(unknown, k.String())
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return errors.New(errors.ErrCodeInvalidScene, "unknown scene keys: %s", strings.Join(unknown, ", "))
}

// Validate checks the canvas and that every step converts.
func (s *Scene) Validate() error {
	if err := errors.ValidateDimensions(s.Width, s.Height); err != nil {
		return err
	}
	if s.FPS < 0 {
		return errors.New(errors.ErrCodeInvalidScene, "fps must not be negative")
	}
	for i, st := range s.Steps {
		if _, err := st.Convert(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// ResolvePaths makes relative media paths absolute against dir. Font names
// are left alone since they may be family names.
func (s *Scene) ResolvePaths(dir string) {
	s.Background = resolve(dir, s.Background)
	for i := range s.Steps {
		st := &s.Steps[i]
		st.Path = resolve(dir, st.Path)
		if st.Routine != nil {
			for j := range st.Routine.Ops {
				st.Routine.Ops[j].Path = resolve(dir, st.Routine.Ops[j].Path)
			}
		}
	}
}

func resolve(dir, p string) string {
	if p == "" || dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Options returns the render options the scene asks for.
func (s *Scene) Options() pipeline.RenderOptions {
	return pipeline.RenderOptions{TargetFPS: s.FPS, TextBatching: s.Batching}
}

// Apply creates a renderer on runner and records every step.
func (s *Scene) Apply(runner *pipeline.Runner) (*pipeline.Renderer, error) {
	rd := runner.NewRenderer(s.Width, s.Height, s.Background)
	for i, st := range s.Steps {
		step, err := st.Convert()
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		rd.Draw(step)
	}
	if err := rd.Err(); err != nil {
		return nil, err
	}
	return rd, nil
}

// Convert builds the step variant named by Type.
func (st Step) Convert() (steps.Step, error) {
	place := steps.Placement{X: st.X, Y: st.Y, Align: st.Align}
	var out steps.Step
	switch st.Type {
	case steps.KindFile:
		out = steps.File{Placement: place, Path: st.Path, Width: st.Width, Height: st.Height}
	case steps.KindText:
		out = steps.Text{
			Placement:  place,
			Content:    st.Text,
			Font:       st.Font,
			Size:       st.Size,
			Color:      st.Color,
			Weight:     st.Weight,
			Shadow:     st.Shadow,
			Border:     st.Border,
			Background: st.Box,
			Mode:       st.Mode,
		}
	case steps.KindRectangle:
		out = steps.Rectangle{Placement: place, Width: st.Width, Height: st.Height, Color: st.Color, Thickness: st.Thickness}
	case steps.KindCanvas:
		if st.Routine == nil {
			return nil, errors.New(errors.ErrCodeInvalidScene, "canvas step needs a routine")
		}
		out = steps.Canvas{Placement: place, Width: st.Width, Height: st.Height, Routine: *st.Routine, Data: st.Data}
	case "":
		return nil, errors.New(errors.ErrCodeInvalidScene, "step type is required")
	default:
		return nil, errors.New(errors.ErrCodeInvalidScene, "unknown step type %q (must be one of: file, text, rectangle, canvas)", st.Type)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Paths lists every media path the scene reads.
func (s *Scene) Paths() []string {
	var out []string
	if s.Background != "" {
		out = append(out, s.Background)
	}
	for _, st := range s.Steps {
		if st.Path != "" {
			out = append(out, st.Path)
		}
		if st.Routine != nil {
			for _, op := range st.Routine.Ops {
				if op.Path != "" {
					out = append(out, op.Path)
				}
			}
		}
	}
	return out
}
