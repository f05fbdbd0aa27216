package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/ffcanvas/pkg/engine"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/steps"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

// Submitter runs raster tasks. *workerpool.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, task workerpool.Task) error
}

// Runner holds the resources shared by all renders: the worker pool, the
// media engine and the font registry.
//
// The Runner keeps no per-render state. Multiple goroutines can render
// through the same Runner concurrently; they share the pool's workers.
type Runner struct {
	Pool        Submitter
	Engine      engine.Engine
	Fonts       *fonts.Registry
	TempDir     string
	DefaultFont string
	Logger      *log.Logger
}

// NewRunner creates a runner.
// If eng is nil, an FFmpeg engine using binaries from PATH is used.
// If registry is nil, an empty registry is used (fonts resolve through the
// system font directories).
// pool may be nil when no render uses canvas steps or raster text.
func NewRunner(pool Submitter, eng engine.Engine, registry *fonts.Registry, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	if eng == nil {
		eng = engine.New(engine.Options{Logger: logger})
	}
	if registry == nil {
		// Cannot fail without fonts to register.
		registry, _ = fonts.NewRegistry()
	}
	return &Runner{
		Pool:    pool,
		Engine:  eng,
		Fonts:   registry,
		TempDir: DefaultTempDir(),
		Logger:  logger,
	}
}

// NewRenderer starts recording steps for a width x height canvas.
// An empty background selects a transparent canvas.
func (r *Runner) NewRenderer(width, height int, background string) *Renderer {
	return &Renderer{
		runner:     r,
		width:      width,
		height:     height,
		background: background,
	}
}

// Plan compiles rd's steps without rasterizing or running the engine.
// Offloaded steps appear as file inputs under a placeholder workspace.
func (r *Runner) Plan(ctx context.Context, rd *Renderer, opts RenderOptions) (*filtergraph.Program, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := rd.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	list := rd.Steps()
	if err := rd.checkSources(list); err != nil {
		return nil, err
	}
	duration, err := r.probe(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	resolved, _ := planLayers(list, rd.width, rd.height, opts.TextBatching, "workspace", r.DefaultFont)
	return filtergraph.Compile(rd.scene(resolved, duration, opts))
}

// Close releases the worker pool when it owns one.
func (r *Runner) Close() error {
	if c, ok := r.Pool.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// workspace creates a fresh scratch directory for one render.
func (r *Runner) workspace() (string, error) {
	if err := os.MkdirAll(r.TempDir, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "create temp dir %s", r.TempDir)
	}
	dir := filepath.Join(r.TempDir, DefaultWorkspacePrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "create workspace")
	}
	return dir, nil
}

// probe returns the longest play length among the animated file steps.
// Each distinct path is probed once.
func (r *Runner) probe(ctx context.Context, list []steps.Step) (time.Duration, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, s := range list {
		if f, ok := s.(steps.File); ok && f.Animated() && !seen[f.Path] {
			seen[f.Path] = true
			paths = append(paths, f.Path)
		}
	}
	if len(paths) == 0 {
		return 0, nil
	}

	durations := make([]time.Duration, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			d, err := r.Engine.Probe(gctx, p)
			if err != nil {
				return err
			}
			durations[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var longest time.Duration
	for i, d := range durations {
		r.Logger.Debug("probed", "path", paths[i], "duration", d)
		longest = max(longest, d)
	}
	return longest, nil
}

// removeLayers deletes intermediate layer files. Failures only cost disk
// space until the workspace is cleaned up, so they are logged.
func (r *Runner) removeLayers(layers []*layer) {
	for _, l := range layers {
		if err := os.Remove(l.output); err != nil {
			r.Logger.Debug("remove layer", "path", l.output, "error", err)
		}
	}
}
