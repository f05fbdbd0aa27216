// Package pkg provides the core libraries of ffcanvas, an image and
// animation compositor built on ffmpeg.
//
// # Overview
//
// ffcanvas records draw steps (images, animations, text, boxes and
// rasterized canvases) against a fixed-size canvas and composites them into
// one PNG frame or one looping GIF with a single ffmpeg invocation. Steps that
// ffmpeg cannot draw itself are rendered to transparent PNG layers by a pool
// of isolated worker processes and overlaid at their original position.
//
// # Architecture
//
// The data flow of one render:
//
//	Scene file or Renderer calls
//	         ↓
//	    [steps] (ordered, validated step log)
//	         ↓
//	    [pipeline] (probe → offload → merge)
//	         ↓            ↘
//	    [filtergraph]      [workerpool] + [raster] (PNG layers)
//	         ↓
//	    [engine] (ffmpeg / ffprobe)
//	         ↓
//	    PNG or GIF output
//
// # Quick Start
//
//	pool, _ := workerpool.New(ctx, workerpool.Config{Size: 4})
//	defer pool.Close()
//
//	runner := pipeline.NewRunner(pool, nil, nil, logger)
//	result, err := runner.NewRenderer(800, 450, "background.png").
//	    DrawFile(steps.File{Path: "logo.gif", Placement: steps.Placement{X: 20, Y: 20}}).
//	    DrawText(steps.Text{Content: "Hello", Mode: steps.Raster}).
//	    Render(ctx, pipeline.RenderOptions{})
//	if err != nil {
//	    return err
//	}
//	defer result.Cleanup()
//	err = result.Output.Save("hello.gif")
//
// # Main Packages
//
// ## Drawing Model
//
// [steps] - The closed set of draw step variants and the ordered log that
// records them.
//
// [align] - Anchors and the placement arithmetic shared by the compiler and
// the raster workers.
//
// [fonts] - Font registry mapping family and weight to font files, with a
// fallback to system font directories.
//
// ## Rendering
//
// [filtergraph] - Compiles a scene into an ffmpeg filter graph and argument
// list. Also exports the graph as DOT or SVG for inspection.
//
// [engine] - Runs ffmpeg and ffprobe. [engine.Cached] memoizes probe
// durations in a [cache].
//
// [raster] - The worker-side 2D canvas: data-only drawing instructions and
// registered named routines.
//
// [workerpool] - A fixed set of worker processes speaking JSON lines on
// stdin/stdout, with crash replacement and per-task timeouts.
//
// [pipeline] - The Runner and Renderer used by the CLI, the HTTP server and
// tests.
//
// ## Infrastructure
//
// [scene] - TOML and JSON scene files.
//
// [config] - Process configuration (pool size, binaries, fonts, cache,
// server).
//
// [cache] - Probe cache backends: file, redis and null.
//
// [server] - HTTP API over the pipeline.
//
// [errors] - Coded errors shared by every package.
//
// [observability] - Hooks for render, raster and cache events.
//
// # Testing
//
//	go test ./pkg/...                 # All tests
//	go test ./pkg/filtergraph/...     # Specific package
//
// Engine tests substitute small shell scripts for ffmpeg and ffprobe, so no
// media binaries are needed.
//
// [steps]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/steps
// [align]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/align
// [fonts]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/fonts
// [filtergraph]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/filtergraph
// [engine]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/engine
// [engine.Cached]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/engine#Cached
// [raster]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/raster
// [workerpool]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/workerpool
// [pipeline]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/pipeline
// [scene]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/scene
// [config]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/config
// [cache]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/cache
// [server]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/server
// [errors]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/errors
// [observability]: https://pkg.go.dev/github.com/matzehuels/ffcanvas/pkg/observability
package pkg
