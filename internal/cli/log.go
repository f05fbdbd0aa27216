// Package cli implements the ffcanvas command-line interface.
//
// This package provides commands for rendering scene files, inspecting the
// compiled ffmpeg filter graph, serving the render API over HTTP and
// managing the probe cache. The CLI is built using cobra and supports
// verbose logging via the charmbracelet/log library.
//
// # Commands
//
// The main commands are:
//   - render: Composite a scene file into a PNG or GIF
//   - graph: Print the filter graph of a scene as text, DOT or SVG
//   - serve: Run the HTTP render API
//   - cache: Manage the probe cache
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. Loggers are
// passed through context.Context to allow structured progress tracking.
// Worker processes log to stderr with their pid as prefix.
//
// # Example
//
//	import "github.com/matzehuels/ffcanvas/internal/cli"
//
//	func main() {
//	    c := cli.New(os.Stderr, cli.LogInfo)
//	    if err := c.RootCommand().Execute(); err != nil {
//	        os.Exit(1)
//	    }
//	}
package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/ffcanvas/pkg/pipeline"
)

// newLogger creates the CLI logger. Timestamps are "HH:MM:SS.ms".
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// progress measures one command's wall time.
type progress struct {
	logger *log.Logger
	start  time.Time
}

func newProgress(l *log.Logger) *progress {
	return &progress{logger: l, start: time.Now()}
}

// done logs msg with keyvals and the elapsed time, rounded to milliseconds.
func (p *progress) done(msg string, keyvals ...any) {
	keyvals = append(keyvals, "elapsed", time.Since(p.start).Round(time.Millisecond))
	p.logger.Info(msg, keyvals...)
}

// logStages logs per-stage render timings at debug level.
func logStages(l *log.Logger, s pipeline.Stats) {
	l.Debug("render stages",
		"probe", s.ProbeTime.Round(time.Millisecond),
		"raster", s.RasterTime.Round(time.Millisecond),
		"compile", s.CompileTime.Round(time.Millisecond),
		"engine", s.EngineTime.Round(time.Millisecond),
		"inputs", s.Inputs,
		"filters", s.Filters,
	)
}

type ctxKey int

const loggerKey ctxKey = 0

// withLogger attaches l to ctx for loggerFromContext.
func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext returns the logger attached to ctx, or log.Default().
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
