// Package engine drives the ffmpeg and ffprobe executables.
//
// [FFmpeg] runs compiled filter graph programs and probes the duration of
// animated sources. [Cached] puts a [cache.Cache] in front of probing so a
// source is inspected once per content version.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	ferrors "github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
)

// Engine runs programs and inspects sources.
type Engine interface {
	// Probe returns the play length of the media at path.
	Probe(ctx context.Context, path string) (time.Duration, error)
	// Run executes prog and writes the result to output.
	Run(ctx context.Context, prog *filtergraph.Program, output string) error
}

// Options configures FFmpeg.
type Options struct {
	// FFmpeg and FFprobe are executable names or paths.
	// They default to "ffmpeg" and "ffprobe" looked up on PATH.
	FFmpeg  string
	FFprobe string
	Logger  *log.Logger
}

// FFmpeg shells out to the ffmpeg tools.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	logger  *log.Logger
}

// stderrTail bounds how much engine output an error carries.
const stderrTail = 4 << 10

// New returns an Engine backed by the ffmpeg executables.
func New(opts Options) *FFmpeg {
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.FFprobe == "" {
		opts.FFprobe = "ffprobe"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &FFmpeg{ffmpeg: opts.FFmpeg, ffprobe: opts.FFprobe, logger: opts.Logger}
}

// Run implements Engine.
func (f *FFmpeg) Run(ctx context.Context, prog *filtergraph.Program, output string) error {
	args := append([]string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}, prog.Args(output)...)
	f.logger.Debug("running ffmpeg", "inputs", len(prog.Inputs), "nodes", len(prog.Nodes), "output", output)
	f.logger.Debug("filter graph", "graph", prog.String())

	_, err := f.exec(ctx, f.ffmpeg, args)
	return err
}

// Probe implements Engine.
func (f *FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	out, err := f.exec(ctx, f.ffprobe, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	})
	if err != nil {
		return 0, err
	}
	d, err := parseProbe(out)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	return d, nil
}

// Version returns the first line of `ffmpeg -version`.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	out, err := f.exec(ctx, f.ffmpeg, []string{"-hide_banner", "-version"})
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func (f *FFmpeg) exec(ctx context.Context, bin string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	f.logger.Debug("engine command finished", "bin", bin, "duration", time.Since(start), "err", err)
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, ferrors.Wrap(ferrors.ErrCodeTimeout, ctx.Err(), "%s did not finish in time", bin)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", bin, ctx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, ferrors.Wrap(ferrors.ErrCodeEngine, err, "%s not found; install ffmpeg or set its path in the config", bin)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, ferrors.New(ferrors.ErrCodeEngine, "%s exited with code %d: %s", bin, exitErr.ExitCode(), stderr.String())
	}
	return nil, ferrors.Wrap(ferrors.ErrCodeEngine, err, "run %s", bin)
}

// parseProbe extracts format.duration from ffprobe's JSON output.
func parseProbe(out []byte) (time.Duration, error) {
	var v struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &v); err != nil {
		return 0, ferrors.Wrap(ferrors.ErrCodeEngine, err, "decode ffprobe output")
	}
	if v.Format.Duration == "" || v.Format.Duration == "N/A" {
		return 0, ferrors.New(ferrors.ErrCodeEngine, "source has no duration")
	}
	secs, err := strconv.ParseFloat(v.Format.Duration, 64)
	if err != nil || secs < 0 {
		return 0, ferrors.New(ferrors.ErrCodeEngine, "invalid duration %q", v.Format.Duration)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

var _ Engine = (*FFmpeg)(nil)
