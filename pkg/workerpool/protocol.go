package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/matzehuels/ffcanvas/pkg/fonts"
)

// Message types sent from the pool to a worker.
const (
	TypeInit = "init"
	TypeRun  = "run"
)

// maxMessageSize bounds one protocol line. Routines with inline data can be
// large; anything beyond this is rejected by the scanner.
const maxMessageSize = 16 << 20

// Request is one line sent to a worker process on its stdin.
type Request struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`

	// Init
	Fonts []fonts.Font `json:"fonts,omitempty"`

	// Run
	Width   int             `json:"width,omitempty"`
	Height  int             `json:"height,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Routine json.RawMessage `json:"routine,omitempty"`
	Output  string          `json:"output,omitempty"`
}

// Response is one line written by a worker process on its stdout.
type Response struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Task is a raster job: draw Routine with Data onto a Width x Height canvas
// and write the PNG to Output.
type Task struct {
	Width   int
	Height  int
	Data    json.RawMessage
	Routine json.RawMessage
	Output  string
}

// Handler executes requests inside a worker process.
type Handler interface {
	// Init is called once with the fonts registered on the pool.
	Init(ctx context.Context, fonts []fonts.Font) error
	// Run draws one task. Tasks are delivered one at a time.
	Run(ctx context.Context, task Task) error
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is done. It is the main loop of a worker process.
// Requests are handled sequentially; a worker owns one task at a time.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	reply := func(resp Response) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(resp)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			// Without an id there is nobody to answer.
			continue
		}

		var err error
		switch req.Type {
		case TypeInit:
			err = h.Init(ctx, req.Fonts)
		case TypeRun:
			err = h.Run(ctx, Task{
				Width:   req.Width,
				Height:  req.Height,
				Data:    req.Data,
				Routine: req.Routine,
				Output:  req.Output,
			})
		default:
			err = fmt.Errorf("unknown message type %q", req.Type)
		}

		resp := Response{ID: req.ID, OK: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		if err := reply(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}
