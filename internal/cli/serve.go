package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/matzehuels/ffcanvas/pkg/config"
	"github.com/matzehuels/ffcanvas/pkg/server"
)

// serveOpts holds the command-line flags for the serve command.
type serveOpts struct {
	addr      string // listen address; defaults to the config value
	mediaRoot string // directory scene paths resolve against; empty allows any path
}

// serveCommand creates the serve command.
func (c *CLI) serveCommand() *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the render API over HTTP",
		Long: `Start an HTTP server that renders scenes posted as TOML or JSON.

Endpoints:
  GET  /healthz     liveness and build info
  POST /v1/render   render a scene, responds with the PNG or GIF
  POST /v1/graph    compile a scene, responds with its filter graph

With --media-root, relative scene paths resolve against that directory and
paths outside it are rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default from config, "+config.DefaultAddr+")")
	cmd.Flags().StringVar(&opts.mediaRoot, "media-root", "", "restrict scene paths to this directory")

	return cmd
}

func (c *CLI) runServe(cmd *cobra.Command, opts serveOpts) error {
	ctx := cmd.Context()
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	root := opts.mediaRoot
	if root != "" {
		if root, err = filepath.Abs(root); err != nil {
			return fmt.Errorf("media root: %w", err)
		}
	}

	runner, closeRunner, err := c.newRunner(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeRunner()

	srv := server.New(runner, server.Options{
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		MediaRoot:     root,
		RenderTimeout: cfg.RenderTimeout,
		Logger:        c.Logger,
	})

	printSuccess("Serving %s", appName)
	printKeyValue("Address", addr)
	printKeyValue("Workers", strconv.Itoa(cfg.PoolSize))
	printKeyValue("Cache", cacheLocation(cfg))
	if root != "" {
		printKeyValue("Media root", root)
	}

	return srv.ListenAndServe(ctx, addr)
}
