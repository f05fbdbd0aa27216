package raster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/disintegration/imaging"
	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"

	"github.com/matzehuels/ffcanvas/pkg/align"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
)

// Text defaults shared with the native drawtext path.
const (
	DefaultTextSize    = 12
	DefaultTextColor   = "#ffffff"
	DefaultBoxPadding  = 5
	DefaultStrokeColor = "#ffffff"
)

// Surface is the canvas a routine draws on. It embeds the gg context, so a
// registered Func can use the full gg API, and adds access to the task
// payload and the worker's font registry.
type Surface struct {
	*gg.Context

	Width  int
	Height int
	Data   json.RawMessage

	fonts   *fonts.Registry
	sources map[string]*text.FontSource
	payload any
}

func newSurface(width, height int, data json.RawMessage, reg *fonts.Registry, sources map[string]*text.FontSource) *Surface {
	return &Surface{
		Context: gg.NewContext(width, height),
		Width:   width,
		Height:  height,
		Data:    data,
		fonts:   reg,
		sources: sources,
	}
}

// Decode unmarshals the task payload into v.
func (s *Surface) Decode(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	return json.Unmarshal(s.Data, v)
}

// UseFont selects the font registered or installed as name at the given
// weight and size. An empty name selects the default family.
func (s *Surface) UseFont(name string, weight int, size float64) error {
	if name == "" {
		name = fonts.DefaultFamily
	}
	path, ok := s.fonts.Resolve(name, weight)
	if !ok {
		return errors.New(errors.ErrCodeFileNotFound, "no font file found for %q", name)
	}
	src, ok := s.sources[path]
	if !ok {
		var err error
		src, err = text.NewFontSourceFromFile(path)
		if err != nil {
			return errors.Wrap(errors.ErrCodeFileNotFound, err, "load font %s", path)
		}
		s.sources[path] = src
	}
	if size <= 0 {
		size = DefaultTextSize
	}
	s.SetFont(src.Face(size))
	return nil
}

// setColor sets the current color from an ffmpeg color string.
func (s *Surface) setColor(c, fallback string) error {
	rgba, err := ParseColor(c, fallback)
	if err != nil {
		return err
	}
	s.SetRGBA(rgba.R, rgba.G, rgba.B, rgba.A)
	return nil
}

// paint fills or strokes the current path.
func (s *Surface) paint(stroke float64) error {
	if stroke > 0 {
		s.SetLineWidth(stroke)
		return s.Stroke()
	}
	return s.Fill()
}

func (s *Surface) apply(op Op) error {
	switch op.Kind {
	case OpClear:
		if op.Color == "" {
			s.Clear()
			return nil
		}
		c, err := ParseColor(op.Color, "")
		if err != nil {
			return err
		}
		s.ClearWithColor(c)
		return nil

	case OpRect:
		if err := s.setColor(op.Color, DefaultStrokeColor); err != nil {
			return err
		}
		if op.Radius > 0 {
			s.DrawRoundedRectangle(op.X, op.Y, op.W, op.H, op.Radius)
		} else {
			s.DrawRectangle(op.X, op.Y, op.W, op.H)
		}
		return s.paint(op.Stroke)

	case OpCircle:
		if err := s.setColor(op.Color, DefaultStrokeColor); err != nil {
			return err
		}
		s.DrawCircle(op.X, op.Y, op.Radius)
		return s.paint(op.Stroke)

	case OpLine:
		if err := s.setColor(op.Color, DefaultStrokeColor); err != nil {
			return err
		}
		width := op.Stroke
		if width <= 0 {
			width = 1
		}
		s.SetLineWidth(width)
		s.DrawLine(op.X, op.Y, op.X2, op.Y2)
		return s.Stroke()

	case OpText:
		return s.drawText(op)

	case OpImage:
		return s.drawImage(op)
	}
	return errors.New(errors.ErrCodeInvalidInput, "unknown op %q", op.Kind)
}

// drawText places text so that (X, Y) is the top-left of its box before
// alignment, matching drawtext's coordinate system.
func (s *Surface) drawText(op Op) error {
	content, err := s.expand(op.Text)
	if err != nil {
		return err
	}
	if err := s.UseFont(op.Font, op.Weight, op.Size); err != nil {
		return err
	}

	w, h := s.MeasureString(content)
	x := op.X + align.Offset(op.Align.X, w)
	y := op.Y + align.Offset(op.Align.Y, h)
	baseline := y + s.Font().Metrics().Ascent

	if bg := op.Background; bg != nil {
		pad := bg.Padding
		if pad == 0 {
			pad = DefaultBoxPadding
		}
		if err := s.setColor(bg.Color, "#00000000"); err != nil {
			return err
		}
		s.DrawRectangle(x-pad, y-pad, w+2*pad, h+2*pad)
		if err := s.Fill(); err != nil {
			return err
		}
	}
	if sh := op.Shadow; sh != nil {
		if err := s.setColor(sh.Color, "#000000"); err != nil {
			return err
		}
		s.DrawString(content, x+sh.X, baseline+sh.Y)
	}
	if b := op.Border; b != nil {
		if err := s.setColor(b.Color, "#000000"); err != nil {
			return err
		}
		// Approximates drawtext's borderw by stamping the glyphs around
		// the outline.
		for _, d := range [][2]float64{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}} {
			s.DrawString(content, x+d[0]*b.X, baseline+d[1]*b.Y)
		}
	}
	if err := s.setColor(op.Color, DefaultTextColor); err != nil {
		return err
	}
	s.DrawString(content, x, baseline)
	return nil
}

func (s *Surface) drawImage(op Op) error {
	img, err := imaging.Open(op.Path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileNotFound, err, "open image %s", op.Path)
	}
	if op.W > 0 || op.H > 0 {
		img = imaging.Resize(img, int(op.W), int(op.H), imaging.Lanczos)
	}
	s.DrawImage(gg.ImageBufFromImage(img), op.X, op.Y)
	return nil
}

// expand executes content as a template over the payload when the task
// carries one and content contains template actions. Without a payload text
// is drawn literally, matching the native drawtext path.
func (s *Surface) expand(content string) (string, error) {
	if len(s.Data) == 0 || !strings.Contains(content, "{{") {
		return content, nil
	}
	if s.payload == nil && len(s.Data) > 0 {
		if err := json.Unmarshal(s.Data, &s.payload); err != nil {
			return "", fmt.Errorf("decode payload: %w", err)
		}
	}
	tmpl, err := template.New("text").Option("missingkey=error").Parse(content)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidInput, err, "parse text template")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s.payload); err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidInput, err, "execute text template")
	}
	return buf.String(), nil
}
