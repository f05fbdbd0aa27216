package cli

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/pipeline"
	"github.com/matzehuels/ffcanvas/pkg/scene"
	"github.com/matzehuels/ffcanvas/pkg/steps"
)

// renderOpts holds the command-line flags for the render command.
// Zero values keep what the scene file and config specify.
type renderOpts struct {
	output   string        // output file path; defaults to the scene name with .png or .gif
	fps      float64       // target frame rate of animated output
	batching string        // raster text batching: merged or exploded
	timeout  time.Duration // bound on the whole render
}

// renderCommand creates the render command.
func (c *CLI) renderCommand() *cobra.Command {
	var opts renderOpts

	cmd := &cobra.Command{
		Use:   "render <scene>",
		Short: "Render a scene file to PNG or GIF",
		Long: `Render a TOML or JSON scene file.

Scenes without animated sources produce a single PNG frame. Scenes with GIF
or APNG sources produce a looping GIF as long as the longest source.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeScene,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.batching != "" {
				if _, err := pipeline.ParseTextBatching(opts.batching); err != nil {
					return err
				}
			}
			return c.runRender(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default: scene name with .png or .gif)")
	cmd.Flags().Float64Var(&opts.fps, "fps", 0, "target frame rate of animated output (overrides the scene)")
	cmd.Flags().StringVar(&opts.batching, "batching", "", "raster text batching: merged (default), exploded")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "render timeout (default from config)")

	return cmd
}

func (c *CLI) runRender(ctx context.Context, path string, opts renderOpts) error {
	logger := loggerFromContext(ctx)
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	sc, err := scene.Load(path)
	if err != nil {
		return err
	}

	runner, closeRunner, err := c.newRunner(ctx, cfg, needsWorkers(sc))
	if err != nil {
		return err
	}
	defer closeRunner()

	rd, err := sc.Apply(runner)
	if err != nil {
		return err
	}
	ro := sc.Options()
	ro.Timeout = cfg.RenderTimeout
	if opts.fps > 0 {
		ro.TargetFPS = opts.fps
	}
	if opts.batching != "" {
		ro.TextBatching, _ = pipeline.ParseTextBatching(opts.batching)
	}
	if opts.timeout > 0 {
		ro.Timeout = opts.timeout
	}

	prog := newProgress(logger)
	spinner := newSpinnerWithContext(ctx, "Rendering "+filepath.Base(path))
	spinner.Start()
	result, err := rd.Render(ctx, ro)
	if err != nil {
		spinner.StopWithError(errors.UserMessage(err))
		return err
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			logger.Debug("cleanup", "error", err)
		}
	}()

	out := outputPath(path, opts.output, result.Output.Format)
	spinner.Update("Saving " + out)
	if err := result.Output.Save(out); err != nil {
		spinner.StopWithError(errors.UserMessage(err))
		return err
	}
	spinner.Stop()
	if ext := strings.TrimPrefix(filepath.Ext(out), "."); !strings.EqualFold(ext, result.Output.Format) {
		printWarning("output is %s but %s has extension .%s", result.Output.Format, out, ext)
	}
	prog.done("render finished", "steps", result.Stats.Steps, "format", result.Output.Format)
	logStages(logger, result.Stats)

	printSuccess("Rendered %s", path)
	printFile(out)
	printStats(result.Stats)
	printNextStep("Inspect the filter graph", appName+" graph "+path)
	return nil
}

// outputPath returns explicit, or the scene path with its extension
// replaced by format.
func outputPath(scenePath, explicit, format string) string {
	if explicit != "" {
		return explicit
	}
	return strings.TrimSuffix(scenePath, filepath.Ext(scenePath)) + "." + format
}

// needsWorkers reports whether any step of sc is rasterized on the worker
// pool.
func needsWorkers(sc *scene.Scene) bool {
	for _, st := range sc.Steps {
		if st.Type == steps.KindCanvas || (st.Type == steps.KindText && st.Mode == steps.Raster) {
			return true
		}
	}
	return false
}
