package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/ffcanvas/pkg/align"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
	"github.com/matzehuels/ffcanvas/pkg/raster"
	"github.com/matzehuels/ffcanvas/pkg/steps"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEngine struct {
	mu        sync.Mutex
	durations map[string]time.Duration
	probes    map[string]int
	programs  []*filtergraph.Program
	outputs   []string
	runErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{durations: map[string]time.Duration{}, probes: map[string]int{}}
}

func (f *fakeEngine) Probe(_ context.Context, path string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[path]++
	return f.durations[path], nil
}

func (f *fakeEngine) Run(_ context.Context, prog *filtergraph.Program, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs = append(f.programs, prog)
	f.outputs = append(f.outputs, output)
	if f.runErr != nil {
		return f.runErr
	}
	return os.WriteFile(output, []byte("fake"), 0o644)
}

func (f *fakeEngine) last() (*filtergraph.Program, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs[len(f.programs)-1], f.outputs[len(f.outputs)-1]
}

// fakePool writes a placeholder PNG for each task after a per-layer delay.
type fakePool struct {
	mu     sync.Mutex
	tasks  []workerpool.Task
	delays map[string]time.Duration // by output base name
	fail   string                   // output base name that fails
}

func (p *fakePool) Submit(ctx context.Context, task workerpool.Task) error {
	name := filepath.Base(task.Output)
	select {
	case <-time.After(p.delays[name]):
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()

	if name == p.fail {
		return errors.New(errors.ErrCodeWorkerFailed, "worker failed: boom")
	}
	return os.WriteFile(task.Output, []byte("png"), 0o644)
}

func (p *fakePool) submitted() []workerpool.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]workerpool.Task(nil), p.tasks...)
}

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	runner  *Runner
	engine  *fakeEngine
	pool    *fakePool
	tempDir string
	srcDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := newFakeEngine()
	pool := &fakePool{delays: map[string]time.Duration{}}
	r := NewRunner(pool, eng, nil, log.New(io.Discard))
	r.TempDir = t.TempDir()
	return &fixture{runner: r, engine: eng, pool: pool, tempDir: r.TempDir, srcDir: t.TempDir()}
}

// source creates an empty media file and returns its path.
func (f *fixture) source(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.srcDir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func (f *fixture) workspaces(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func filters(p *filtergraph.Program) []string {
	out := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = n.Filter
	}
	return out
}

func rasterText(content string, x, y float64) steps.Text {
	return steps.Text{Content: content, Mode: steps.Raster, Placement: steps.Placement{X: x, Y: y}}
}

func checker() steps.Canvas {
	return steps.Canvas{Width: 40, Height: 40, Routine: raster.Named("checkerboard"), Data: map[string]any{"size": 10}}
}

// =============================================================================
// Render
// =============================================================================

func TestRenderStill(t *testing.T) {
	f := newFixture(t)
	bg := f.source(t, "bg.png")

	result, err := f.runner.NewRenderer(1000, 1000, bg).
		DrawText(steps.Text{Content: "Hello", Placement: steps.Placement{X: 500, Y: 500, Align: align.Both(align.Center)}}).
		DrawRectangle(steps.Rectangle{Width: 100, Height: 100, Color: "red"}).
		Render(context.Background(), RenderOptions{})
	require.NoError(t, err)

	prog, output := f.engine.last()
	assert.Equal(t, 1, prog.Count("scale"))
	assert.Equal(t, 1, prog.Count("drawtext"))
	assert.Equal(t, 1, prog.Count("drawbox"))
	assert.Equal(t, 0, prog.Count("palettegen"))
	assert.False(t, prog.Animated)

	assert.Equal(t, output, result.Output.Path)
	assert.Equal(t, "png", result.Output.Format)
	assert.Equal(t, "image/png", result.Output.ContentType())
	assert.Equal(t, 2, result.Stats.Steps)
	assert.Equal(t, 0, result.Stats.RasterTasks)

	data, err := result.Output.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "fake", string(data))

	dst := filepath.Join(t.TempDir(), "out", "final.png")
	require.NoError(t, result.Output.Save(dst))
	saved, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "fake", string(saved))

	require.NoError(t, result.Cleanup())
	require.NoError(t, result.Cleanup())
	assert.Empty(t, f.workspaces(t))
}

func TestRenderWorkspaceLayout(t *testing.T) {
	f := newFixture(t)

	result, err := f.runner.NewRenderer(200, 200, "").
		DrawCanvas(checker()).
		Render(context.Background(), RenderOptions{})
	require.NoError(t, err)
	defer result.Cleanup()

	ws := f.workspaces(t)
	require.Len(t, ws, 1)
	assert.True(t, strings.HasPrefix(ws[0], DefaultWorkspacePrefix))

	// Only the result survives; layers are removed after the engine run.
	entries, err := os.ReadDir(filepath.Join(f.tempDir, ws[0]))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "result.png", entries[0].Name())
}

func TestRenderOrderIndependentOfRasterDelays(t *testing.T) {
	layerNames := []string{"layer-1.png", "layer-3.png", "layer-4.png"}

	var want string
	for seed := uint64(1); seed <= 4; seed++ {
		f := newFixture(t)
		logo := f.source(t, "logo.png")
		rng := rand.New(rand.NewPCG(seed, seed*7))
		for i, j := range rng.Perm(len(layerNames)) {
			f.pool.delays[layerNames[i]] = time.Duration(j*15) * time.Millisecond
		}

		_, err := f.runner.NewRenderer(300, 300, "").
			DrawFile(steps.File{Path: logo}).
			DrawCanvas(checker()).
			DrawText(steps.Text{Content: "native"}).
			DrawText(rasterText("raster", 10, 10)).
			DrawCanvas(checker()).
			DrawRectangle(steps.Rectangle{Width: 10, Height: 10}).
			Render(context.Background(), RenderOptions{TextBatching: BatchExploded})
		require.NoError(t, err)

		prog, output := f.engine.last()
		assert.Equal(t, []string{"scale", "overlay", "overlay", "drawtext", "overlay", "overlay", "drawbox"}, filters(prog))

		got := strings.ReplaceAll(prog.String(), filepath.Dir(output), "WS")
		for _, in := range prog.Inputs {
			got += "|" + strings.ReplaceAll(strings.ReplaceAll(in.Path, filepath.Dir(output), "WS"), f.srcDir, "SRC")
		}
		if want == "" {
			want = got
			continue
		}
		assert.Equal(t, want, got, "seed %d", seed)
	}
}

func TestRenderTextBatching(t *testing.T) {
	tests := []struct {
		name     string
		batching TextBatching
		tasks    int
		filters  []string
	}{
		{"merged", BatchMerged, 1, []string{"scale", "overlay", "drawtext"}},
		{"exploded", BatchExploded, 2, []string{"scale", "overlay", "drawtext", "overlay"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			result, err := f.runner.NewRenderer(200, 100, "").
				DrawText(rasterText("first", 5, 5)).
				DrawText(steps.Text{Content: "native"}).
				DrawText(rasterText("second", 50, 50)).
				Render(context.Background(), RenderOptions{TextBatching: tt.batching})
			require.NoError(t, err)
			defer result.Cleanup()

			tasks := f.pool.submitted()
			require.Len(t, tasks, tt.tasks)
			prog, _ := f.engine.last()
			assert.Equal(t, tt.filters, filters(prog))

			for _, task := range tasks {
				assert.Equal(t, 200, task.Width)
				assert.Equal(t, 100, task.Height)
			}
			if tt.batching == BatchMerged {
				var routine raster.Routine
				require.NoError(t, json.Unmarshal(tasks[0].Routine, &routine))
				require.Len(t, routine.Ops, 2)
				assert.Equal(t, "first", routine.Ops[0].Text)
				assert.Equal(t, "second", routine.Ops[1].Text)
				assert.Equal(t, "layer-0.png", filepath.Base(tasks[0].Output))
			}
		})
	}
}

func TestRenderCanvasTask(t *testing.T) {
	f := newFixture(t)
	c := checker()
	c.Placement = steps.Placement{X: 100, Y: 100, Align: align.Both(align.Center)}

	result, err := f.runner.NewRenderer(200, 200, "").DrawCanvas(c).Render(context.Background(), RenderOptions{})
	require.NoError(t, err)
	defer result.Cleanup()

	tasks := f.pool.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, 40, tasks[0].Width)
	assert.JSONEq(t, `{"size":10}`, string(tasks[0].Data))
	assert.JSONEq(t, `{"name":"checkerboard"}`, string(tasks[0].Routine))

	prog, _ := f.engine.last()
	x, _ := prog.Nodes[1].Get("x")
	assert.Equal(t, "100-overlay_w/2", x)
}

func TestRenderAnimatedUsesLongestDuration(t *testing.T) {
	f := newFixture(t)
	short := f.source(t, "short.gif")
	long := f.source(t, "long.gif")
	f.engine.durations[short] = time.Second
	f.engine.durations[long] = 2500 * time.Millisecond

	result, err := f.runner.NewRenderer(100, 100, "").
		DrawFile(steps.File{Path: short}).
		DrawFile(steps.File{Path: long}).
		DrawFile(steps.File{Path: short}).
		Render(context.Background(), RenderOptions{TargetFPS: 15})
	require.NoError(t, err)
	defer result.Cleanup()

	assert.Equal(t, 1, f.engine.probes[short])
	assert.Equal(t, 1, f.engine.probes[long])

	prog, output := f.engine.last()
	assert.True(t, prog.Animated)
	assert.Equal(t, ".gif", filepath.Ext(output))
	assert.Equal(t, "gif", result.Output.Format)
	assert.Equal(t, 2500*time.Millisecond, result.Stats.Duration)
	assert.Equal(t, 1, prog.Count("fps"))
	for _, in := range prog.Inputs[1:] {
		assert.Equal(t, []string{"-ignore_loop", "0", "-t", "2.5"}, in.Options)
	}
}

// =============================================================================
// Failures
// =============================================================================

func TestRenderRasterFailureRemovesWorkspace(t *testing.T) {
	f := newFixture(t)
	f.pool.fail = "layer-1.png"
	f.pool.delays["layer-0.png"] = 50 * time.Millisecond

	_, err := f.runner.NewRenderer(100, 100, "").
		DrawCanvas(checker()).
		DrawCanvas(checker()).
		Render(context.Background(), RenderOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeWorkerFailed))
	assert.Empty(t, f.engine.programs)
	assert.Empty(t, f.workspaces(t))
}

func TestRenderEngineFailureRemovesWorkspace(t *testing.T) {
	f := newFixture(t)
	f.engine.runErr = errors.New(errors.ErrCodeEngine, "ffmpeg exited: bad filter")

	_, err := f.runner.NewRenderer(100, 100, "").
		DrawCanvas(checker()).
		Render(context.Background(), RenderOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeEngine))
	assert.Empty(t, f.workspaces(t))
}

func TestRenderCanceledRemovesWorkspace(t *testing.T) {
	f := newFixture(t)
	f.pool.delays["layer-0.png"] = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.runner.NewRenderer(100, 100, "").DrawCanvas(checker()).Render(ctx, RenderOptions{})
	require.Error(t, err)
	assert.Empty(t, f.workspaces(t))
}

func TestRenderMissingSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.NewRenderer(100, 100, "").
		DrawFile(steps.File{Path: filepath.Join(f.srcDir, "missing.png")}).
		Render(context.Background(), RenderOptions{})
	assert.True(t, errors.Is(err, errors.ErrCodeFileNotFound))

	_, err = f.runner.NewRenderer(100, 100, filepath.Join(f.srcDir, "nobg.png")).
		Render(context.Background(), RenderOptions{})
	assert.True(t, errors.Is(err, errors.ErrCodeFileNotFound))
	assert.Empty(t, f.workspaces(t))
}

func TestOffloadRejectsOutputsOutsideWorkspace(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "r-test")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{"inside", filepath.Join(ws, "layer-0.png"), false},
		{"sibling", filepath.Join(filepath.Dir(ws), "other", "layer-0.png"), true},
		{"shared prefix", ws + "x/layer-0.png", true},
		{"traversal", ws + "/../layer-0.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			layers := []*layer{
				{index: 0, width: 10, height: 10, routine: raster.Named("checkerboard"), output: filepath.Join(ws, "layer-1.png")},
				{index: 1, width: 10, height: 10, routine: raster.Named("checkerboard"), output: tt.output},
			}

			err := f.runner.offload(context.Background(), ws, layers)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Len(t, f.pool.submitted(), 2)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidPath))
			assert.Empty(t, f.pool.submitted(), "no layer may run when any output escapes the workspace")
		})
	}
}

func TestRenderWithoutPool(t *testing.T) {
	f := newFixture(t)
	f.runner.Pool = nil

	_, err := f.runner.NewRenderer(100, 100, "").DrawCanvas(checker()).Render(context.Background(), RenderOptions{})
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))
}

func TestRenderInvalidInput(t *testing.T) {
	f := newFixture(t)

	rd := f.runner.NewRenderer(100, 100, "").
		DrawRectangle(steps.Rectangle{Width: 10, Height: 10, Color: "not a color"}).
		DrawText(steps.Text{Content: "ok"})
	assert.Len(t, rd.Steps(), 1)
	assert.Equal(t, 0, rd.Steps()[0].Index())

	_, err := rd.Render(context.Background(), RenderOptions{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidColor))

	_, err = f.runner.NewRenderer(0, 100, "").Render(context.Background(), RenderOptions{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = f.runner.NewRenderer(100, 100, "").Render(context.Background(), RenderOptions{TargetFPS: -1})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

// =============================================================================
// Step log
// =============================================================================

func TestRendererAccumulatesSteps(t *testing.T) {
	f := newFixture(t)
	rd := f.runner.NewRenderer(100, 100, "").DrawRectangle(steps.Rectangle{Width: 10, Height: 10})

	for i := range 2 {
		result, err := rd.Render(context.Background(), RenderOptions{})
		require.NoError(t, err, "render %d", i)
		result.Cleanup()
		prog, _ := f.engine.last()
		assert.Equal(t, 1, prog.Count("drawbox"))
	}

	rd.DrawRectangle(steps.Rectangle{Width: 20, Height: 20})
	result, err := rd.Render(context.Background(), RenderOptions{})
	require.NoError(t, err)
	result.Cleanup()
	prog, _ := f.engine.last()
	assert.Equal(t, 2, prog.Count("drawbox"))

	rd.Reset()
	assert.Empty(t, rd.Steps())
	assert.NoError(t, rd.Err())
}

// =============================================================================
// Plan
// =============================================================================

func TestPlanDoesNotRun(t *testing.T) {
	f := newFixture(t)
	rd := f.runner.NewRenderer(100, 100, "").
		DrawCanvas(checker()).
		DrawText(rasterText("hi", 0, 0))

	prog, err := f.runner.Plan(context.Background(), rd, RenderOptions{})
	require.NoError(t, err)
	assert.Empty(t, f.pool.submitted())
	assert.Empty(t, f.engine.programs)
	assert.Empty(t, f.workspaces(t))

	var paths []string
	for _, in := range prog.Inputs {
		paths = append(paths, in.Path)
	}
	assert.Contains(t, paths, filepath.Join("workspace", "layer-0.png"))
	assert.Contains(t, paths, filepath.Join("workspace", "layer-1.png"))
}

// =============================================================================
// Options
// =============================================================================

func TestRenderOptionsValidateAndSetDefaults(t *testing.T) {
	tests := []struct {
		name    string
		opts    RenderOptions
		wantErr bool
	}{
		{"defaults", RenderOptions{}, false},
		{"fps", RenderOptions{TargetFPS: 24}, false},
		{"negative fps", RenderOptions{TargetFPS: -1}, true},
		{"bad batching", RenderOptions{TextBatching: TextBatching(9)}, true},
		{"negative timeout", RenderOptions{Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.ValidateAndSetDefaults()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, tt.opts.Timeout)
		})
	}
}

func TestParseTextBatching(t *testing.T) {
	tests := []struct {
		in      string
		want    TextBatching
		wantErr bool
	}{
		{"", BatchMerged, false},
		{"merged", BatchMerged, false},
		{"Exploded", BatchExploded, false},
		{"sideways", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTextBatching(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	var b TextBatching
	require.NoError(t, b.UnmarshalText([]byte("exploded")))
	assert.Equal(t, BatchExploded, b)
	text, _ := b.MarshalText()
	assert.Equal(t, "exploded", string(text))
}
