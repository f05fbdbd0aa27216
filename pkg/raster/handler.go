package raster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

// Handler executes raster tasks inside a worker process.
// It implements workerpool.Handler.
type Handler struct {
	logger *log.Logger

	mu      sync.Mutex
	fonts   *fonts.Registry
	sources map[string]*text.FontSource
}

// NewHandler returns a handler logging to logger (log.Default() if nil).
func NewHandler(logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	reg, _ := fonts.NewRegistry()
	return &Handler{
		logger:  logger,
		fonts:   reg,
		sources: make(map[string]*text.FontSource),
	}
}

// Init registers the fonts sent by the pool.
func (h *Handler) Init(_ context.Context, fs []fonts.Font) error {
	reg, err := fonts.NewRegistry(fs...)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.fonts = reg
	h.mu.Unlock()
	h.logger.Debug("worker initialized", "fonts", len(fs), "routines", len(Names()))
	return nil
}

// Run draws one task and writes the PNG to task.Output.
func (h *Handler) Run(_ context.Context, task workerpool.Task) error {
	if err := errors.ValidateDimensions(task.Width, task.Height); err != nil {
		return err
	}
	if err := errors.ValidatePath(task.Output); err != nil {
		return err
	}

	var r Routine
	if len(task.Routine) > 0 {
		if err := json.Unmarshal(task.Routine, &r); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidInput, err, "decode routine")
		}
	}
	if err := r.Validate(); err != nil {
		return err
	}

	// Tasks arrive one at a time, but the lock keeps the font cache safe
	// if that ever changes.
	h.mu.Lock()
	defer h.mu.Unlock()

	s := newSurface(task.Width, task.Height, task.Data, h.fonts, h.sources)
	defer s.Close()

	if r.Name != "" {
		fn, ok := Lookup(r.Name)
		if !ok {
			return errors.New(errors.ErrCodeInvalidInput, "unknown routine %q", r.Name)
		}
		if err := fn(s); err != nil {
			return fmt.Errorf("routine %s: %w", r.Name, err)
		}
	} else {
		for i, op := range r.Ops {
			if err := s.apply(op); err != nil {
				return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
			}
		}
	}

	if err := s.SavePNG(task.Output); err != nil {
		return fmt.Errorf("write %s: %w", task.Output, err)
	}
	return nil
}

// ServeWorker runs the worker side of the pool protocol on stdin/stdout.
// Logs go to stderr, which the pool passes through.
func ServeWorker(ctx context.Context, level log.Level) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
		Prefix:          fmt.Sprintf("worker[%d]", os.Getpid()),
	})
	gg.SetLogger(slog.New(logger))
	return workerpool.Serve(ctx, os.Stdin, os.Stdout, NewHandler(logger))
}
