package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/ffcanvas/pkg/buildinfo"
	"github.com/matzehuels/ffcanvas/pkg/cache"
	"github.com/matzehuels/ffcanvas/pkg/config"
	"github.com/matzehuels/ffcanvas/pkg/pipeline"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "ffcanvas"

	// envWorkerLevel passes the log level to worker processes.
	envWorkerLevel = "FFCANVAS_WORKER_LOG_LEVEL"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "ffcanvas composes images and animations with ffmpeg",
		Long:         `ffcanvas records draw steps (images, animations, text, boxes and rasterized canvases) and composites them into a single PNG or GIF with one ffmpeg filter graph.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $"+config.EnvPath+" or the user config dir)")

	// Register all subcommands
	root.AddCommand(c.renderCommand())
	root.AddCommand(c.graphCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.workerCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Runner Factory
// =============================================================================

// loadConfig reads the --config file or the default one.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newRunner creates a pipeline runner for CLI use. The worker pool is only
// started when withPool is set. The returned close function releases the
// pool and the probe cache.
func (c *CLI) newRunner(ctx context.Context, cfg *config.Config, withPool bool) (*pipeline.Runner, func(), error) {
	store, err := cfg.OpenCache(ctx)
	if err != nil {
		c.Logger.Warn("probe cache unavailable, continuing without it", "backend", cfg.Cache.Backend, "error", err)
		store = cache.NewNullCache()
	}
	registry, err := cfg.FontRegistry()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("fonts: %w", err)
	}

	var pool *workerpool.Pool
	if withPool {
		pc := cfg.PoolConfig(c.Logger)
		if c.Logger.GetLevel() <= log.DebugLevel {
			pc.Env = append(pc.Env, envWorkerLevel+"="+log.DebugLevel.String())
		}
		if pool, err = workerpool.New(ctx, pc); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("start workers: %w", err)
		}
	}

	var runner *pipeline.Runner
	if pool != nil {
		runner = pipeline.NewRunner(pool, cfg.Engine(store, c.Logger), registry, c.Logger)
	} else {
		runner = pipeline.NewRunner(nil, cfg.Engine(store, c.Logger), registry, c.Logger)
	}
	runner.TempDir = cfg.TempDir
	runner.DefaultFont = cfg.DefaultFont

	closeFn := func() {
		if err := runner.Close(); err != nil {
			c.Logger.Debug("close pool", "error", err)
		}
		if err := store.Close(); err != nil {
			c.Logger.Debug("close cache", "error", err)
		}
	}
	return runner, closeFn, nil
}

// workerLevel returns the log level a worker process should use.
func workerLevel() log.Level {
	if lvl, err := log.ParseLevel(os.Getenv(envWorkerLevel)); err == nil {
		return lvl
	}
	return log.InfoLevel
}
