package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matzehuels/ffcanvas/pkg/cache"
	ferrors "github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
)

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    time.Duration
		wantErr bool
	}{
		{"seconds", `{"format":{"duration":"2.500000"}}`, 2500 * time.Millisecond, false},
		{"integer", `{"format":{"duration":"3"}}`, 3 * time.Second, false},
		{"not available", `{"format":{"duration":"N/A"}}`, 0, true},
		{"missing", `{"format":{}}`, 0, true},
		{"garbage", `not json`, 0, true},
		{"negative", `{"format":{"duration":"-1"}}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.out))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, ferrors.Is(err, ferrors.ErrCodeEngine))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

// fakeTool writes an executable shell script standing in for ffmpeg/ffprobe.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func quietLogger() *log.Logger { return log.New(io.Discard) }

func testProgram(t *testing.T) *filtergraph.Program {
	t.Helper()
	prog, err := filtergraph.Compile(filtergraph.Scene{Width: 10, Height: 10, Background: "bg.png"})
	require.NoError(t, err)
	return prog
}

func TestFFmpegRun(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := fakeTool(t, `printf '%s\n' "$@" > `+argsFile)
	e := New(Options{FFmpeg: bin, Logger: quietLogger()})

	require.NoError(t, e.Run(context.Background(), testProgram(t), "/tmp/out.png"))

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}, args[:5])
	assert.Equal(t, "/tmp/out.png", args[len(args)-1])
	assert.Contains(t, args, "-filter_complex")
}

func TestFFmpegRunFailureCarriesStderr(t *testing.T) {
	bin := fakeTool(t, `echo "Invalid filter graph" >&2; exit 3`)
	e := New(Options{FFmpeg: bin, Logger: quietLogger()})

	err := e.Run(context.Background(), testProgram(t), "out.png")
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeEngine))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "Invalid filter graph")
}

func TestFFmpegRunTimeout(t *testing.T) {
	bin := fakeTool(t, `exec sleep 5`)
	e := New(Options{FFmpeg: bin, Logger: quietLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := e.Run(ctx, testProgram(t), "out.png")
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeTimeout), "got %v", err)
}

func TestFFmpegNotFound(t *testing.T) {
	e := New(Options{FFmpeg: "ffcanvas-no-such-binary", Logger: quietLogger()})
	err := e.Run(context.Background(), testProgram(t), "out.png")
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.ErrCodeEngine))
	assert.Contains(t, err.Error(), "not found")
}

func TestFFprobe(t *testing.T) {
	bin := fakeTool(t, `echo '{"format":{"duration":"1.25"}}'`)
	e := New(Options{FFprobe: bin, Logger: quietLogger()})

	d, err := e.Probe(context.Background(), "a.gif")
	require.NoError(t, err)
	assert.Equal(t, 1250*time.Millisecond, d)
}

type countingEngine struct {
	probes int
	d      time.Duration
}

func (c *countingEngine) Probe(context.Context, string) (time.Duration, error) {
	c.probes++
	return c.d, nil
}

func (c *countingEngine) Run(context.Context, *filtergraph.Program, string) error { return nil }

func TestCachedProbe(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "a.gif")
	require.NoError(t, os.WriteFile(src, []byte("GIF89a"), 0o644))

	fc, err := cache.NewFileCache(t.TempDir())
	require.NoError(t, err)
	inner := &countingEngine{d: 1500 * time.Millisecond}
	e := NewCached(inner, fc, nil, 0, quietLogger())

	for range 3 {
		d, err := e.Probe(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, d)
	}
	assert.Equal(t, 1, inner.probes)

	// A changed file is a different cache key.
	require.NoError(t, os.WriteFile(src, []byte("GIF89a-changed"), 0o644))
	_, err = e.Probe(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.probes)
}

func TestCachedProbeMissingFileSkipsCache(t *testing.T) {
	inner := &countingEngine{d: time.Second}
	e := NewCached(inner, nil, nil, 0, quietLogger())
	_, err := e.Probe(context.Background(), "/nonexistent.gif")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.probes)
}
