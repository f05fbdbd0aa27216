// Package workerpool runs raster tasks in a fixed set of isolated worker
// processes.
//
// Each worker is a child process speaking a JSON-lines protocol on its
// stdin/stdout (see [Request] and [Response]); its stderr is passed through
// for logs. A worker is exclusively owned by one task for the task's
// duration. Callers waiting for a worker queue on a channel, so no polling
// takes place and waiters are served in arrival order.
//
// # Lifecycle
//
// [New] starts every worker and waits for each to acknowledge its init
// message before the pool is returned. A worker whose process exits, or whose
// task exceeds the task timeout, is killed and replaced in the background;
// the affected [Pool.Submit] call fails with WORKER_CRASHED or TIMEOUT.
//
// # Usage
//
//	pool, err := workerpool.New(ctx, workerpool.Config{
//	    Size:    4,
//	    Command: []string{exe, "worker"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Submit(ctx, workerpool.Task{Width: 200, Height: 100, Routine: r, Output: out})
package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/observability"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultSize is the number of worker processes.
	DefaultSize = 4

	// DefaultStartTimeout bounds process start plus init acknowledgement.
	DefaultStartTimeout = 10 * time.Second

	// DefaultTaskTimeout bounds a single raster task.
	DefaultTaskTimeout = 2 * time.Minute
)

// Config configures a Pool.
type Config struct {
	// Size is the number of worker processes.
	Size int

	// Command is the worker executable and its arguments.
	// Defaults to the running executable with the "worker" argument.
	Command []string

	// Env is appended to the parent environment of each worker.
	Env []string

	// Fonts are sent to every worker in its init message.
	Fonts []fonts.Font

	StartTimeout time.Duration
	TaskTimeout  time.Duration

	// Stderr receives worker log output. Defaults to os.Stderr.
	Stderr io.Writer

	Logger *log.Logger
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() error {
	if c.Size == 0 {
		c.Size = DefaultSize
	}
	if len(c.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate worker executable: %w", err)
		}
		c.Command = []string{exe, "worker"}
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Size < 1 {
		return errors.New(errors.ErrCodeInvalidConfig, "pool size must be at least 1, got %d", c.Size)
	}
	if c.StartTimeout < 0 || c.TaskTimeout < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "timeouts must not be negative")
	}
	return nil
}

// =============================================================================
// Pool
// =============================================================================

// Stats is a snapshot of pool activity.
type Stats struct {
	Size      int
	Busy      int64
	MaxBusy   int64
	Completed uint64
	Failed    uint64
	Restarts  uint64
}

// Pool dispatches tasks to worker processes. It is safe for concurrent use
// and may be shared by several renders.
type Pool struct {
	cfg    Config
	logger *log.Logger

	idle chan *worker
	done chan struct{}

	seq       atomic.Uint64
	busy      atomic.Int64
	maxBusy   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	restarts  atomic.Uint64

	mu      sync.Mutex
	closed  bool
	workers map[int]*worker
	wg      sync.WaitGroup
}

// New starts cfg.Size workers and waits until each has acknowledged init.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		idle:    make(chan *worker, cfg.Size),
		done:    make(chan struct{}),
		workers: make(map[int]*worker, cfg.Size),
	}

	started := make([]*worker, cfg.Size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Size {
		g.Go(func() error {
			w, err := p.start(gctx, i)
			if err != nil {
				return err
			}
			started[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range started {
			if w != nil {
				w.kill()
			}
		}
		return nil, err
	}

	p.mu.Lock()
	for _, w := range started {
		p.workers[w.id] = w
		p.idle <- w
	}
	p.mu.Unlock()

	p.logger.Debug("worker pool started", "size", cfg.Size, "command", cfg.Command[0])
	return p, nil
}

// Size returns the configured number of workers.
func (p *Pool) Size() int { return p.cfg.Size }

// Busy returns the number of workers currently running a task.
func (p *Pool) Busy() int64 { return p.busy.Load() }

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.cfg.Size,
		Busy:      p.busy.Load(),
		MaxBusy:   p.maxBusy.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Restarts:  p.restarts.Load(),
	}
}

// Submit runs task on the next idle worker and waits for its response.
// It blocks while all workers are busy.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	w, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	if w.dead() {
		fresh, err := p.replace(ctx, w)
		if err != nil {
			p.release(w)
			return err
		}
		w = fresh
	}

	p.markBusy()
	defer p.busy.Add(-1)

	id := p.seq.Add(1)
	start := time.Now()
	observability.Worker().OnTaskStart(ctx, w.id, id)

	resp, err := w.call(ctx, Request{
		Type:    TypeRun,
		ID:      id,
		Width:   task.Width,
		Height:  task.Height,
		Data:    task.Data,
		Routine: task.Routine,
		Output:  task.Output,
	}, p.cfg.TaskTimeout)

	switch {
	case err != nil:
		// The worker's state is unknown after a crash, timeout or
		// cancellation; it is never handed out again.
		p.recycle(w, err)
	case !resp.OK:
		p.release(w)
		err = errors.New(errors.ErrCodeWorkerFailed, "task %d on worker %d: %s", id, w.id, resp.Error)
	default:
		p.release(w)
	}

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	observability.Worker().OnTaskComplete(ctx, w.id, id, time.Since(start), err)
	return err
}

// Close terminates all workers. Submit calls made afterwards fail with
// POOL_CLOSED; calls blocked waiting for a worker are released with the
// same error.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = map[int]*worker{}
	p.mu.Unlock()

	for _, w := range workers {
		w.kill()
	}
	p.logger.Debug("worker pool closed", "workers", len(workers))
	return nil
}

func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	if p.isClosed() {
		return nil, errors.New(errors.ErrCodePoolClosed, "worker pool is closed")
	}
	select {
	case w := <-p.idle:
		if p.isClosed() {
			w.kill()
			return nil, errors.New(errors.ErrCodePoolClosed, "worker pool is closed")
		}
		return w, nil
	case <-p.done:
		return nil, errors.New(errors.ErrCodePoolClosed, "worker pool is closed")
	case <-ctx.Done():
		return nil, contextError(ctx, "waiting for an idle worker")
	}
}

func (p *Pool) release(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.kill()
		return
	}
	p.idle <- w
}

func (p *Pool) markBusy() {
	n := p.busy.Add(1)
	for {
		cur := p.maxBusy.Load()
		if n <= cur || p.maxBusy.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recycle kills w and starts its replacement in the background so the
// failing Submit returns without waiting for a process start.
func (p *Pool) recycle(w *worker, reason error) {
	p.logger.Warn("replacing worker", "worker", w.id, "reason", reason)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fresh, err := p.replace(context.Background(), w)
		if err != nil {
			p.logger.Error("worker restart failed", "worker", w.id, "err", err)
			// Keep the slot; the next acquirer retries the restart.
			p.release(w)
			return
		}
		p.release(fresh)
	}()
}

// replace kills w and starts a new worker under the same id.
func (p *Pool) replace(ctx context.Context, w *worker) (*worker, error) {
	w.kill()
	p.restarts.Add(1)
	observability.Worker().OnWorkerRestart(ctx, w.id, w.exitError())

	fresh, err := p.start(ctx, w.id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.workers[w.id] = fresh
	p.mu.Unlock()
	return fresh, nil
}

// start spawns one worker process and performs the init handshake.
func (p *Pool) start(ctx context.Context, id int) (*worker, error) {
	w, err := spawn(id, p.cfg, p.logger)
	if err != nil {
		return nil, err
	}
	resp, err := w.call(ctx, Request{Type: TypeInit, ID: p.seq.Add(1), Fonts: p.cfg.Fonts}, p.cfg.StartTimeout)
	if err != nil {
		w.kill()
		return nil, fmt.Errorf("init worker %d: %w", id, err)
	}
	if !resp.OK {
		w.kill()
		return nil, errors.New(errors.ErrCodeWorkerFailed, "init worker %d: %s", id, resp.Error)
	}
	p.logger.Debug("worker ready", "worker", id, "pid", w.pid())
	return w, nil
}

func contextError(ctx context.Context, what string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(errors.ErrCodeTimeout, ctx.Err(), "%s", what)
	}
	return fmt.Errorf("%s: %w", what, ctx.Err())
}

// =============================================================================
// Worker process
// =============================================================================

type worker struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	logger *log.Logger

	mu      sync.Mutex
	pending map[uint64]chan Response
	exitErr error

	exited   chan struct{}
	killOnce sync.Once
}

func spawn(id int, cfg Config, logger *log.Logger) (*worker, error) {
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorkerCrashed, err, "start worker %d", id)
	}

	w := &worker{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		enc:     json.NewEncoder(stdin),
		logger:  logger,
		pending: make(map[uint64]chan Response),
		exited:  make(chan struct{}),
	}
	go w.readLoop(stdout)
	return w, nil
}

// readLoop demultiplexes responses to their waiters by id until the
// process closes stdout.
func (w *worker) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			w.logger.Debug("ignoring malformed worker output", "worker", w.id, "err", err)
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		delete(w.pending, resp.ID)
		w.mu.Unlock()
		if !ok {
			w.logger.Debug("ignoring response for unknown task", "worker", w.id, "id", resp.ID)
			continue
		}
		ch <- resp
	}

	err := w.cmd.Wait()
	if err == nil {
		err = fmt.Errorf("worker %d exited", w.id)
	}
	w.mu.Lock()
	w.exitErr = err
	w.mu.Unlock()
	close(w.exited)
}

// call sends req and waits for the response with the same id.
func (w *worker) call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	ch := make(chan Response, 1)

	w.mu.Lock()
	if w.dead() {
		err := w.exitErr
		w.mu.Unlock()
		return Response{}, errors.Wrap(errors.ErrCodeWorkerCrashed, err, "worker %d is not running", w.id)
	}
	w.pending[req.ID] = ch
	w.mu.Unlock()

	forget := func() {
		w.mu.Lock()
		delete(w.pending, req.ID)
		w.mu.Unlock()
	}

	if err := w.enc.Encode(req); err != nil {
		forget()
		return Response{}, errors.Wrap(errors.ErrCodeWorkerCrashed, err, "send to worker %d", w.id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-w.exited:
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return Response{}, errors.Wrap(errors.ErrCodeWorkerCrashed, w.exitError(), "worker %d died during task %d", w.id, req.ID)
	case <-timer.C:
		forget()
		return Response{}, errors.New(errors.ErrCodeTimeout, "worker %d did not answer task %d within %s", w.id, req.ID, timeout)
	case <-ctx.Done():
		forget()
		return Response{}, contextError(ctx, fmt.Sprintf("task %d", req.ID))
	}
}

func (w *worker) dead() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

func (w *worker) exitError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

func (w *worker) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// kill terminates the process and waits for its reader to finish.
func (w *worker) kill() {
	w.killOnce.Do(func() {
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
	<-w.exited
}
