package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
)

// The test binary doubles as the worker executable: with helperEnv set it
// serves the protocol with fakeHandler instead of running tests.
const (
	helperEnv         = "WORKERPOOL_TEST_HELPER"
	helperInitFailEnv = "WORKERPOOL_TEST_INIT_FAIL"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		err := Serve(context.Background(), os.Stdin, os.Stdout, fakeHandler{})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeBehavior struct {
	SleepMS int    `json:"sleep_ms,omitempty"`
	Fail    string `json:"fail,omitempty"`
	Crash   bool   `json:"crash,omitempty"`
}

type fakeHandler struct{}

func (fakeHandler) Init(_ context.Context, _ []fonts.Font) error {
	if os.Getenv(helperInitFailEnv) == "1" {
		return errors.New("no fonts available")
	}
	return nil
}

func (fakeHandler) Run(_ context.Context, task Task) error {
	var b fakeBehavior
	if len(task.Data) > 0 {
		if err := json.Unmarshal(task.Data, &b); err != nil {
			return err
		}
	}
	time.Sleep(time.Duration(b.SleepMS) * time.Millisecond)
	if b.Crash {
		os.Exit(3)
	}
	if b.Fail != "" {
		return errors.New(b.Fail)
	}
	if task.Output != "" {
		return os.WriteFile(task.Output, []byte(fmt.Sprintf("%dx%d", task.Width, task.Height)), 0o644)
	}
	return nil
}

func newTestPool(t *testing.T, size int, mutate ...func(*Config)) *Pool {
	t.Helper()
	cfg := Config{
		Size:         size,
		Command:      []string{os.Args[0]},
		Env:          []string{helperEnv + "=1"},
		StartTimeout: 10 * time.Second,
		TaskTimeout:  10 * time.Second,
		Stderr:       io.Discard,
		Logger:       log.New(io.Discard),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func behavior(t *testing.T, b fakeBehavior) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(b)
	require.NoError(t, err)
	return data
}

func TestPoolSubmit(t *testing.T) {
	p := newTestPool(t, 2)
	out := filepath.Join(t.TempDir(), "layer.png")

	err := p.Submit(context.Background(), Task{Width: 20, Height: 10, Output: out})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "20x10", string(data))
	assert.Equal(t, uint64(1), p.Stats().Completed)
	assert.Equal(t, int64(0), p.Busy())
}

func TestPoolBoundedConcurrency(t *testing.T) {
	const size, tasks = 2, 5
	const taskTime = 100 * time.Millisecond
	p := newTestPool(t, size)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, tasks)
	for i := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Submit(context.Background(), Task{
				Width: 1, Height: 1,
				Data: behavior(t, fakeBehavior{SleepMS: int(taskTime / time.Millisecond)}),
			})
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		assert.NoError(t, err, "task %d", i)
	}
	stats := p.Stats()
	assert.LessOrEqual(t, stats.MaxBusy, int64(size))
	assert.Equal(t, uint64(tasks), stats.Completed)
	assert.Equal(t, uint64(0), stats.Restarts)

	// ceil(5/2) rounds of work; serial execution would take 5.
	rounds := (tasks + size - 1) / size
	assert.GreaterOrEqual(t, elapsed, time.Duration(rounds)*taskTime)
	assert.Less(t, elapsed, time.Duration(tasks)*taskTime)
}

func TestPoolTaskFailureKeepsWorker(t *testing.T) {
	p := newTestPool(t, 1)

	err := p.Submit(context.Background(), Task{Data: behavior(t, fakeBehavior{Fail: "routine exploded"})})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeWorkerFailed))
	assert.Contains(t, err.Error(), "routine exploded")

	require.NoError(t, p.Submit(context.Background(), Task{}))
	assert.Equal(t, uint64(0), p.Stats().Restarts)
}

func TestPoolWorkerCrash(t *testing.T) {
	p := newTestPool(t, 1)

	err := p.Submit(context.Background(), Task{Data: behavior(t, fakeBehavior{Crash: true})})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeWorkerCrashed), "got %v", err)

	// The replacement worker serves the next task.
	require.NoError(t, p.Submit(context.Background(), Task{}))
	assert.Equal(t, uint64(1), p.Stats().Restarts)
}

func TestPoolTaskTimeout(t *testing.T) {
	p := newTestPool(t, 1, func(c *Config) { c.TaskTimeout = 200 * time.Millisecond })

	err := p.Submit(context.Background(), Task{Data: behavior(t, fakeBehavior{SleepMS: 5000})})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeTimeout), "got %v", err)

	require.NoError(t, p.Submit(context.Background(), Task{}))
}

func TestPoolContextDeadlineWhileWaiting(t *testing.T) {
	p := newTestPool(t, 1)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- p.Submit(context.Background(), Task{Data: behavior(t, fakeBehavior{SleepMS: 500})})
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, Task{})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeTimeout), "got %v", err)

	require.NoError(t, <-done)
}

func TestPoolClosed(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Submit(context.Background(), Task{})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodePoolClosed))
}

func TestPoolInitFailure(t *testing.T) {
	_, err := New(context.Background(), Config{
		Size:    1,
		Command: []string{os.Args[0]},
		Env:     []string{helperEnv + "=1", helperInitFailEnv + "=1"},
		Stderr:  io.Discard,
		Logger:  log.New(io.Discard),
	})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeWorkerFailed))
	assert.Contains(t, err.Error(), "no fonts available")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Size: 2}, false},
		{"zero size", Config{Size: 0}, true},
		{"negative timeout", Config{Size: 1, TaskTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type recordingHandler struct {
	inits int
	tasks []Task
}

func (h *recordingHandler) Init(context.Context, []fonts.Font) error {
	h.inits++
	return nil
}

func (h *recordingHandler) Run(_ context.Context, task Task) error {
	h.tasks = append(h.tasks, task)
	if task.Output == "" {
		return errors.New("missing output")
	}
	return nil
}

func TestServe(t *testing.T) {
	in := strings.Join([]string{
		`{"type":"init","id":1,"fonts":[]}`,
		`not json`,
		``,
		`{"type":"run","id":2,"width":4,"height":3,"output":"/tmp/a.png","routine":{"ops":[]}}`,
		`{"type":"run","id":3}`,
		`{"type":"shutdown","id":4}`,
	}, "\n")

	h := &recordingHandler{}
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), strings.NewReader(in), &out, h))

	var got []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		require.NoError(t, dec.Decode(&r))
		got = append(got, r)
	}

	require.Len(t, got, 4)
	assert.Equal(t, Response{ID: 1, OK: true}, got[0])
	assert.Equal(t, Response{ID: 2, OK: true}, got[1])
	assert.Equal(t, Response{ID: 3, OK: false, Error: "missing output"}, got[2])
	assert.False(t, got[3].OK)
	assert.Contains(t, got[3].Error, "unknown message type")

	assert.Equal(t, 1, h.inits)
	require.Len(t, h.tasks, 2)
	assert.Equal(t, 4, h.tasks[0].Width)
	assert.JSONEq(t, `{"ops":[]}`, string(h.tasks[0].Routine))
}
