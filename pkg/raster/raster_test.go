package raster

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

func TestRoutineValidate(t *testing.T) {
	tests := []struct {
		name    string
		routine Routine
		wantErr bool
	}{
		{"empty", Routine{}, false},
		{"named", Named("progress"), false},
		{"ops", Draw(Op{Kind: OpRect, W: 10, H: 10, Color: "red"}), false},
		{"name and ops", Routine{Name: "progress", Ops: []Op{{Kind: OpClear}}}, true},
		{"unknown op", Draw(Op{Kind: "spline"}), true},
		{"bad color", Draw(Op{Kind: OpRect, Color: "#12"}), true},
		{"negative size", Draw(Op{Kind: OpRect, W: -1}), true},
		{"image without path", Draw(Op{Kind: OpImage}), true},
		{"bad shadow color", Draw(Op{Kind: OpText, Text: "x", Shadow: &Offset{Color: "??"}}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.routine.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoutineJSONRoundTripKeepsAlignment(t *testing.T) {
	in := `{"ops":[{"op":"text","text":"hi","align":"center"}]}`
	var r Routine
	require.NoError(t, json.Unmarshal([]byte(in), &r))
	require.Len(t, r.Ops, 1)
	assert.Equal(t, OpText, r.Ops[0].Kind)
	assert.Equal(t, "center", r.Ops[0].Align.X.String())
	assert.Equal(t, "center", r.Ops[0].Align.Y.String())
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in, fallback string
		want         [4]float64
		wantErr      bool
	}{
		{"#ff0000", "", [4]float64{1, 0, 0, 1}, false},
		{"0x00ff00", "", [4]float64{0, 1, 0, 1}, false},
		{"white@0.5", "", [4]float64{1, 1, 1, 0.5}, false},
		{"", "#000000", [4]float64{0, 0, 0, 1}, false},
		{"#00000000", "", [4]float64{0, 0, 0, 0}, false},
		{"DarkSlateGray", "", [4]float64{0.184, 0.31, 0.31, 1}, false},
		{"aliceblue@0.25", "", [4]float64{0.941, 0.973, 1, 0.25}, false},
		{"#ff0000@0.5", "", [4]float64{1, 0, 0, 0.5}, false},
		{"0x0000ff@.5", "", [4]float64{0, 0, 1, 0.5}, false},
		{"transparent", "", [4]float64{0, 0, 0, 0}, false},
		{"notacolor", "", [4]float64{}, true},
		{"#zzz", "", [4]float64{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := ParseColor(tt.in, tt.fallback)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want[0], c.R, 0.01)
			assert.InDelta(t, tt.want[1], c.G, 0.01)
			assert.InDelta(t, tt.want[2], c.B, 0.01)
			assert.InDelta(t, tt.want[3], c.A, 0.01)
		})
	}
}

func TestColorValidationMatchesParse(t *testing.T) {
	inputs := []string{
		"red", "Red", "DarkSlateGray", "AliceBlue", "chartreuse", "transparent",
		"black@0.5", "#fff", "#ffffff", "#ffffff80", "0xFF0000",
		"#ff0000@0.5", "0xff0000@0.5", "#ff0000@1.5",
		"notacolor", "fuchsiaish", "#ggg", "red;drawbox", "rgb(1,2,3)",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			verr := errors.ValidateColor(in)
			_, perr := ParseColor(in, "")
			assert.Equal(t, verr == nil, perr == nil, "ValidateColor=%v ParseColor=%v", verr, perr)
		})
	}
}

func TestRegister(t *testing.T) {
	Register("test-noop", func(*Surface) error { return nil })

	_, ok := Lookup("test-noop")
	assert.True(t, ok)
	assert.Contains(t, Names(), "test-noop")
	assert.Contains(t, Names(), "checkerboard")

	assert.Panics(t, func() { Register("test-noop", func(*Surface) error { return nil }) })
	assert.Panics(t, func() { Register("", func(*Surface) error { return nil }) })
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h := NewHandler(log.New(io.Discard))
	require.NoError(t, h.Init(context.Background(), nil))
	return h
}

func runTask(t *testing.T, h *Handler, w, hgt int, r Routine, data any) (string, error) {
	t.Helper()
	routine, err := r.Encode()
	require.NoError(t, err)
	var payload json.RawMessage
	if data != nil {
		payload, err = json.Marshal(data)
		require.NoError(t, err)
	}
	out := filepath.Join(t.TempDir(), "layer.png")
	return out, h.Run(context.Background(), workerpool.Task{
		Width: w, Height: hgt, Data: payload, Routine: routine, Output: out,
	})
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}

func TestHandlerRunOps(t *testing.T) {
	h := newTestHandler(t)
	out, err := runTask(t, h, 40, 20, Draw(
		Op{Kind: OpClear},
		Op{Kind: OpRect, X: 0, Y: 0, W: 20, H: 20, Color: "#ff0000"},
		Op{Kind: OpCircle, X: 30, Y: 10, Radius: 5, Color: "blue", Stroke: 2},
		Op{Kind: OpLine, X: 0, Y: 19, X2: 39, Y2: 19, Color: "white"},
	), nil)
	require.NoError(t, err)

	img := decodePNG(t, out)
	assert.Equal(t, image.Rect(0, 0, 40, 20), img.Bounds())

	r, g, b, a := img.At(10, 10).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Zero(t, g)
	assert.Zero(t, b)
	assert.Equal(t, uint32(0xffff), a)
}

func TestHandlerRunNamedRoutine(t *testing.T) {
	h := newTestHandler(t)
	out, err := runTask(t, h, 32, 32, Named("checkerboard"), map[string]any{
		"size":   16,
		"colors": []string{"#000000", "#ffffff"},
	})
	require.NoError(t, err)

	img := decodePNG(t, out)
	r0, _, _, _ := img.At(4, 4).RGBA()
	r1, _, _, _ := img.At(20, 4).RGBA()
	assert.Zero(t, r0)
	assert.Equal(t, uint32(0xffff), r1)
}

func TestHandlerRunImage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.png")
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.NRGBA{G: 255, A: 255})
		}
	}
	f, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	h := newTestHandler(t)
	out, err := runTask(t, h, 16, 16, Draw(Op{Kind: OpImage, Path: src, W: 8, H: 8}), nil)
	require.NoError(t, err)

	_, g, _, _ := decodePNG(t, out).At(2, 2).RGBA()
	assert.Greater(t, g, uint32(0x8000))
}

func TestHandlerRunErrors(t *testing.T) {
	h := newTestHandler(t)

	_, err := runTask(t, h, 10, 10, Named("does-not-exist"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown routine")

	_, err = runTask(t, h, 0, 10, Draw(), nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = runTask(t, h, 10, 10, Draw(Op{Kind: OpImage, Path: "/nonexistent.png"}), nil)
	assert.True(t, errors.Is(err, errors.ErrCodeFileNotFound))

	_, err = runTask(t, h, 10, 10, Named("checkerboard"), map[string]any{"size": -1})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestHandlerInitRejectsMissingFont(t *testing.T) {
	h := NewHandler(log.New(io.Discard))
	err := h.Init(context.Background(), []fonts.Font{{Path: "/nonexistent.ttf", Family: "Ghost"}})
	assert.True(t, errors.Is(err, errors.ErrCodeFileNotFound))
}

func TestSurfaceExpand(t *testing.T) {
	s := &Surface{Data: json.RawMessage(`{"name":"Ada","score":42}`)}

	got, err := s.expand("{{.name}} scored {{.score}}")
	require.NoError(t, err)
	assert.Equal(t, "Ada scored 42", got)

	got, err = s.expand("plain {text}")
	require.NoError(t, err)
	assert.Equal(t, "plain {text}", got)

	_, err = s.expand("{{.missing}}")
	assert.Error(t, err)
}

func TestSurfaceExpandWithoutPayloadIsLiteral(t *testing.T) {
	s := &Surface{}
	got, err := s.expand("{{.name}}")
	require.NoError(t, err)
	assert.Equal(t, "{{.name}}", got)
}
