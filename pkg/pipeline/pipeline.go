// Package pipeline turns a recorded list of draw steps into one composited
// image or animation.
//
// This package is the single entry point used by the CLI, the HTTP server
// and tests. A [Runner] owns the shared resources (worker pool, engine, font
// registry); a [Renderer] records steps for one canvas and renders them.
//
// # Architecture
//
// A render runs these stages in order:
//
//  1. Workspace: create a private scratch directory under the temp dir
//  2. Probe: measure the play length of every animated source once
//  3. Offload: rasterize canvas steps and raster text on the worker pool
//  4. Merge: replace offloaded steps with file layers at their original index
//  5. Compile: build the ffmpeg filter graph
//  6. Run: execute the engine and collect the output file
//
// Any failure removes the workspace before returning, so nothing partial is
// ever produced.
//
// # Usage
//
//	runner := pipeline.NewRunner(pool, engine.New(engine.Options{}), registry, logger)
//	result, err := runner.NewRenderer(1000, 1000, "bg.png").
//	    DrawText(steps.Text{Content: "Hello", Placement: steps.Placement{X: 500, Y: 500, Align: align.Both(align.Center)}}).
//	    DrawRectangle(steps.Rectangle{Width: 100, Height: 100, Color: "red"}).
//	    Render(ctx, pipeline.RenderOptions{})
//	if err != nil {
//	    return err
//	}
//	defer result.Cleanup()
//	err = result.Output.Save("out.png")
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
)

// =============================================================================
// Default Values - Single Source of Truth for CLI, API, and Tests
// =============================================================================

const (
	// DefaultRenderTimeout bounds a whole render, including raster offload
	// and the engine run.
	DefaultRenderTimeout = 5 * time.Minute

	// DefaultWorkspacePrefix prefixes every render's scratch directory.
	DefaultWorkspacePrefix = "r-"

	// DefaultTempSubdir is the directory under os.TempDir holding workspaces
	// when no temp dir is configured.
	DefaultTempSubdir = "ffcanvas"
)

// DefaultTempDir returns the default parent directory of render workspaces.
func DefaultTempDir() string {
	return filepath.Join(os.TempDir(), DefaultTempSubdir)
}

// =============================================================================
// Text Batching
// =============================================================================

// TextBatching selects how raster text steps are grouped into layers.
type TextBatching int

const (
	// BatchMerged draws all raster text on a single canvas-sized layer,
	// composited at the position of the first raster text step.
	BatchMerged TextBatching = iota

	// BatchExploded draws each raster text step on its own canvas-sized
	// layer at the step's own position.
	BatchExploded
)

func (b TextBatching) String() string {
	switch b {
	case BatchMerged:
		return "merged"
	case BatchExploded:
		return "exploded"
	default:
		return fmt.Sprintf("TextBatching(%d)", int(b))
	}
}

// ParseTextBatching parses "merged" or "exploded". Empty selects merged.
func ParseTextBatching(s string) (TextBatching, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "merged", "merge":
		return BatchMerged, nil
	case "exploded", "explode":
		return BatchExploded, nil
	}
	return 0, errors.New(errors.ErrCodeInvalidInput, "invalid text batching: %q (must be one of: merged, exploded)", s)
}

func (b TextBatching) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *TextBatching) UnmarshalText(text []byte) error {
	v, err := ParseTextBatching(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// =============================================================================
// RenderOptions - Per-Render Configuration
// =============================================================================

// RenderOptions configures one render.
type RenderOptions struct {
	// TargetFPS appends a frame-rate conversion to animated output when
	// positive. Ignored for still output.
	TargetFPS float64 `json:"target_fps,omitempty" toml:"fps"`

	// TextBatching groups raster text steps into layers.
	TextBatching TextBatching `json:"text_batching,omitempty" toml:"batching"`

	// Timeout bounds the whole render. Zero selects DefaultRenderTimeout.
	Timeout time.Duration `json:"-" toml:"-"`

	validated bool
}

// ValidateAndSetDefaults checks the options and applies defaults.
// It is idempotent.
func (o *RenderOptions) ValidateAndSetDefaults() error {
	if o.validated {
		return nil
	}
	if o.TargetFPS < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "target fps must not be negative, got %g", o.TargetFPS)
	}
	if o.TextBatching != BatchMerged && o.TextBatching != BatchExploded {
		return errors.New(errors.ErrCodeInvalidInput, "invalid text batching %s", o.TextBatching)
	}
	if o.Timeout < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "timeout must not be negative")
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultRenderTimeout
	}
	o.validated = true
	return nil
}

// =============================================================================
// Result - Render Output
// =============================================================================

// Result is a finished render. The output file lives in the render's
// workspace until Cleanup is called.
type Result struct {
	// Output is the rendered image or animation.
	Output Output

	// Elapsed is the wall time of the whole render.
	Elapsed time.Duration

	// Stats contains per-stage timings and counts.
	Stats Stats

	workspace string
}

// Stats contains render statistics.
type Stats struct {
	Steps       int
	RasterTasks int
	Inputs      int
	Filters     int
	Animated    bool
	Duration    time.Duration // play length of animated output

	ProbeTime   time.Duration
	RasterTime  time.Duration
	CompileTime time.Duration
	EngineTime  time.Duration
}

// Cleanup removes the workspace and the output file in it. It is safe to
// call more than once.
func (r *Result) Cleanup() error {
	if r == nil || r.workspace == "" {
		return nil
	}
	dir := r.workspace
	r.workspace = ""
	return os.RemoveAll(dir)
}

// Output is the produced file.
type Output struct {
	// Path is the file inside the render workspace.
	Path string

	// Format is "png" for still output or "gif" for animated output.
	Format string
}

// Bytes reads the whole output file.
func (o Output) Bytes() ([]byte, error) {
	return os.ReadFile(o.Path)
}

// Open returns a reader over the output file.
func (o Output) Open() (io.ReadCloser, error) {
	return os.Open(o.Path)
}

// ContentType returns the MIME type of the output.
func (o Output) ContentType() string {
	if o.Format == filtergraph.FormatGIF {
		return "image/gif"
	}
	return "image/png"
}

// Save copies the output to path, creating parent directories as needed.
func (o Output) Save(path string) error {
	if err := errors.ValidatePath(path); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	src, err := os.Open(o.Path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return dst.Close()
}
