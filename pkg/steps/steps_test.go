package steps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/ffcanvas/pkg/raster"
)

func TestLogAppendAssignsIndices(t *testing.T) {
	var l Log
	a := l.Append(File{Path: "a.png"})
	b := l.Append(Text{Content: "hi"})
	c := l.Append(Rectangle{Width: 4, Height: 4})

	assert.Equal(t, 0, a.Index())
	assert.Equal(t, 1, b.Index())
	assert.Equal(t, 2, c.Index())
	assert.Equal(t, 3, l.Len())

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	for i, s := range snap {
		assert.Equal(t, i, s.Index())
	}

	// The snapshot is detached from the log.
	l.Append(Canvas{Width: 1, Height: 1})
	assert.Len(t, snap, 3)
	assert.Equal(t, 4, l.Len())
}

func TestLogReset(t *testing.T) {
	var l Log
	l.Append(File{Path: "a.png"})
	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Append(File{Path: "b.png"}).Index())
}

func TestLogConcurrentAppend(t *testing.T) {
	var l Log
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(Rectangle{Width: 1, Height: 1})
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, s := range l.Snapshot() {
		assert.False(t, seen[s.Index()], "duplicate index %d", s.Index())
		seen[s.Index()] = true
	}
	assert.Len(t, seen, 50)
}

func TestAtKeepsFields(t *testing.T) {
	f := File{Placement: Placement{X: 3, Y: 4}, Path: "layer.png", Width: 10}
	moved := At(f, 7).(File)
	assert.Equal(t, 7, moved.Index())
	assert.Equal(t, f.Path, moved.Path)
	assert.Equal(t, f.Placement, moved.Position())
	assert.Equal(t, 0, f.Index(), "original is unchanged")
}

func TestIsAnimated(t *testing.T) {
	tests := map[string]bool{
		"a.gif":         true,
		"dir/B.GIF":     true,
		"x.apng":        true,
		"still.png":     false,
		"clip.gif.png":  false,
		"noext":         false,
		"/tmp/r/a.jpeg": false,
	}
	for path, want := range tests {
		assert.Equal(t, want, IsAnimated(path), path)
	}
}

func TestRectangleIsFilled(t *testing.T) {
	assert.True(t, Rectangle{}.IsFilled())
	assert.True(t, Rectangle{Thickness: Filled}.IsFilled())
	assert.False(t, Rectangle{Thickness: 2}.IsFilled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{"file", File{Path: "a.png"}, false},
		{"file empty path", File{}, true},
		{"file negative size", File{Path: "a.png", Width: -2}, true},
		{"text", Text{Content: "x", Color: "red@0.5"}, false},
		{"text bad color", Text{Content: "x", Color: "#12"}, true},
		{"text bad shadow", Text{Shadow: &Offset{Color: "nope!"}}, true},
		{"text bad weight", Text{Weight: 1200}, true},
		{"rect", Rectangle{Width: 1, Height: 1, Thickness: Filled}, false},
		{"rect bad thickness", Rectangle{Thickness: -2}, true},
		{"canvas", Canvas{Width: 10, Height: 10, Routine: raster.Named("progress")}, false},
		{"canvas zero size", Canvas{Routine: raster.Named("progress")}, true},
		{"canvas bad routine", Canvas{Width: 1, Height: 1, Routine: raster.Draw(raster.Op{Kind: "blob"})}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("canvas")
	require.NoError(t, err)
	assert.Equal(t, Raster, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Native, m)

	_, err = ParseMode("svg")
	assert.Error(t, err)
}

func TestCount(t *testing.T) {
	c := Count([]Step{
		File{Path: "a.gif"},
		File{Path: "b.png"},
		Text{Mode: Raster},
		Text{},
		Rectangle{},
		Canvas{},
	})
	assert.Equal(t, Counts{Files: 2, Animated: 1, Texts: 1, RasterText: 1, Rectangles: 1, Canvases: 1}, c)
}
