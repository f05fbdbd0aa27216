package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/observability"
	"github.com/matzehuels/ffcanvas/pkg/raster"
	"github.com/matzehuels/ffcanvas/pkg/steps"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

// layer is one raster task whose PNG replaces the step at index.
type layer struct {
	index   int
	width   int
	height  int
	routine raster.Routine
	data    any
	output  string
}

// task encodes the layer for the worker protocol.
func (l *layer) task() (workerpool.Task, error) {
	routine, err := l.routine.Encode()
	if err != nil {
		return workerpool.Task{}, err
	}
	var data json.RawMessage
	if l.data != nil {
		if data, err = json.Marshal(l.data); err != nil {
			return workerpool.Task{}, errors.Wrap(errors.ErrCodeInvalidInput, err, "encode canvas data for step %d", l.index)
		}
	}
	return workerpool.Task{
		Width:   l.width,
		Height:  l.height,
		Data:    data,
		Routine: routine,
		Output:  l.output,
	}, nil
}

// planLayers splits list into the steps the compiler sees and the raster
// layers that must be produced first. Each offloaded step is replaced by a
// File step carrying its index, so the resolved list keeps log order.
//
// Canvas steps get a layer of their own size at their own placement. Raster
// text gets canvas-sized layers drawn at the text's placement and composited
// at the origin: one per step with BatchExploded, or one shared layer at the
// first raster text index with BatchMerged.
func planLayers(list []steps.Step, width, height int, batching TextBatching, dir, defaultFont string) ([]steps.Step, []*layer) {
	resolved := make([]steps.Step, 0, len(list))
	var layers []*layer
	var merged *layer

	add := func(l *layer, placement steps.Placement) {
		l.output = filepath.Join(dir, fmt.Sprintf("layer-%d.png", l.index))
		layers = append(layers, l)
		resolved = append(resolved, steps.At(steps.File{Placement: placement, Path: l.output}, l.index))
	}

	for _, s := range list {
		switch v := s.(type) {
		case steps.Canvas:
			add(&layer{
				index:   v.Index(),
				width:   v.Width,
				height:  v.Height,
				routine: v.Routine,
				data:    v.Data,
			}, v.Placement)

		case steps.Text:
			if v.Mode != steps.Raster {
				resolved = append(resolved, v)
				continue
			}
			op := textOp(v, defaultFont)
			if batching == BatchMerged && merged != nil {
				merged.routine.Ops = append(merged.routine.Ops, op)
				continue
			}
			l := &layer{index: v.Index(), width: width, height: height, routine: raster.Draw(op)}
			add(l, steps.Placement{})
			if batching == BatchMerged {
				merged = l
			}

		default:
			resolved = append(resolved, s)
		}
	}
	return resolved, layers
}

// textOp converts a raster text step into a worker text instruction.
func textOp(t steps.Text, defaultFont string) raster.Op {
	font := t.Font
	if font == "" {
		font = defaultFont
	}
	return raster.Op{
		Kind:       raster.OpText,
		X:          t.X,
		Y:          t.Y,
		Align:      t.Align,
		Text:       t.Content,
		Font:       font,
		Size:       t.Size,
		Weight:     t.FontWeight(),
		Color:      t.Color,
		Shadow:     t.Shadow,
		Border:     t.Border,
		Background: t.Background,
	}
}

// offload runs all layers on the pool concurrently. The first failure
// cancels the others and is returned. Every layer output must lie inside
// workspace; nothing is submitted otherwise.
func (r *Runner) offload(ctx context.Context, workspace string, layers []*layer) error {
	if len(layers) == 0 {
		return nil
	}
	if r.Pool == nil {
		return errors.New(errors.ErrCodeInternal, "%d raster layers but no worker pool configured", len(layers))
	}
	for _, l := range layers {
		if err := errors.ValidateWorkspacePath(workspace, l.output); err != nil {
			return fmt.Errorf("layer for step %d: %w", l.index, err)
		}
	}

	hooks := observability.Render()
	start := time.Now()
	hooks.OnRasterStart(ctx, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range layers {
		g.Go(func() error {
			task, err := l.task()
			if err != nil {
				return err
			}
			if err := r.Pool.Submit(gctx, task); err != nil {
				return fmt.Errorf("layer for step %d: %w", l.index, err)
			}
			return nil
		})
	}
	err := g.Wait()
	hooks.OnRasterComplete(ctx, len(layers), time.Since(start), err)
	return err
}
