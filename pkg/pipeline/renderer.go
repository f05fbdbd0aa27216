package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
	"github.com/matzehuels/ffcanvas/pkg/observability"
	"github.com/matzehuels/ffcanvas/pkg/steps"
)

// Renderer records draw steps for one canvas and renders them.
//
// Draw methods return the Renderer so calls can be chained. An invalid step
// is not recorded; its error is kept and returned by Render, Plan and Err.
//
// Recorded steps persist across renders: rendering twice draws the same
// steps twice, and further Draw calls add to them. Call Reset to start over.
type Renderer struct {
	runner     *Runner
	width      int
	height     int
	background string

	log steps.Log

	mu   sync.Mutex
	errs []error
}

// DrawFile overlays an image or animation.
func (r *Renderer) DrawFile(f steps.File) *Renderer { return r.draw(f) }

// DrawText draws a string, natively or on the worker pool per t.Mode.
func (r *Renderer) DrawText(t steps.Text) *Renderer { return r.draw(t) }

// DrawRectangle draws a filled or stroked box.
func (r *Renderer) DrawRectangle(rect steps.Rectangle) *Renderer { return r.draw(rect) }

// DrawCanvas draws a raster routine on the worker pool.
func (r *Renderer) DrawCanvas(c steps.Canvas) *Renderer { return r.draw(c) }

// Draw records any step variant.
func (r *Renderer) Draw(s steps.Step) *Renderer { return r.draw(s) }

func (r *Renderer) draw(s steps.Step) *Renderer {
	if err := s.Validate(); err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, fmt.Errorf("%s step: %w", s.Kind(), err))
		r.mu.Unlock()
		return r
	}
	r.log.Append(s)
	return r
}

// Err returns the errors of rejected steps, if any.
func (r *Renderer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stderrors.Join(r.errs...)
}

// Steps returns the recorded steps in insertion order.
func (r *Renderer) Steps() []steps.Step { return r.log.Snapshot() }

// Reset discards recorded steps and errors.
func (r *Renderer) Reset() {
	r.log.Reset()
	r.mu.Lock()
	r.errs = nil
	r.mu.Unlock()
}

// Render produces the composited output. On any failure the render's
// workspace is removed and no result is returned.
func (r *Renderer) Render(ctx context.Context, opts RenderOptions) (result *Result, err error) {
	start := time.Now()
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := errors.ValidateDimensions(r.width, r.height); err != nil {
		return nil, err
	}

	list := r.Steps()
	runner := r.runner
	hooks := observability.Render()
	hookCtx := ctx
	hooks.OnRenderStart(hookCtx, len(list))
	animated := false
	defer func() {
		hooks.OnRenderComplete(hookCtx, len(list), animated, time.Since(start), err)
	}()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := r.checkSources(list); err != nil {
		return nil, err
	}

	ws, err := runner.workspace()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(ws); rmErr != nil {
			runner.Logger.Debug("remove workspace", "path", ws, "error", rmErr)
		}
	}()

	stats := Stats{Steps: len(list)}

	stageStart := time.Now()
	duration, err := runner.probe(ctx, list)
	stats.ProbeTime = time.Since(stageStart)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	resolved, layers := planLayers(list, r.width, r.height, opts.TextBatching, ws, runner.DefaultFont)
	stats.RasterTasks = len(layers)
	stageStart = time.Now()
	if err := runner.offload(ctx, ws, layers); err != nil {
		return nil, fmt.Errorf("raster: %w", err)
	}
	stats.RasterTime = time.Since(stageStart)
	if len(layers) > 0 {
		runner.Logger.Debug("rasterized", "layers", len(layers), "duration", stats.RasterTime)
	}

	stageStart = time.Now()
	prog, err := filtergraph.Compile(r.scene(resolved, duration, opts))
	stats.CompileTime = time.Since(stageStart)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	animated = prog.Animated
	stats.Animated = prog.Animated
	stats.Inputs = len(prog.Inputs)
	stats.Filters = len(prog.Nodes)
	if prog.Animated {
		stats.Duration = duration
	}
	runner.Logger.Debug("compiled", "inputs", stats.Inputs, "filters", stats.Filters, "animated", prog.Animated)

	output := filepath.Join(ws, "result."+prog.Format())
	stageStart = time.Now()
	if err := runner.Engine.Run(ctx, prog, output); err != nil {
		return nil, err
	}
	stats.EngineTime = time.Since(stageStart)

	runner.removeLayers(layers)

	result = &Result{
		Output:    Output{Path: output, Format: prog.Format()},
		Elapsed:   time.Since(start),
		Stats:     stats,
		workspace: ws,
	}
	runner.Logger.Info("rendered", "steps", stats.Steps, "format", result.Output.Format, "duration", result.Elapsed)
	return result, nil
}

// checkSources verifies that the background and every file step exist.
func (r *Renderer) checkSources(list []steps.Step) error {
	paths := make([]string, 0, len(list)+1)
	if r.background != "" {
		paths = append(paths, r.background)
	}
	for _, s := range list {
		if f, ok := s.(steps.File); ok {
			paths = append(paths, f.Path)
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return errors.Wrap(errors.ErrCodeFileNotFound, err, "source %s", p)
		}
	}
	return nil
}

func (r *Renderer) scene(resolved []steps.Step, duration time.Duration, opts RenderOptions) filtergraph.Scene {
	sc := filtergraph.Scene{
		Width:       r.width,
		Height:      r.height,
		Background:  r.background,
		Steps:       resolved,
		Duration:    duration,
		FPS:         opts.TargetFPS,
		DefaultFont: r.runner.DefaultFont,
	}
	if r.runner.Fonts != nil {
		sc.Fonts = r.runner.Fonts
	}
	return sc
}
