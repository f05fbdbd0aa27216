// Package server exposes the render pipeline over HTTP.
//
// Routes:
//
//	GET  /healthz     build information
//	POST /v1/render   scene (JSON, or TOML with Content-Type application/toml) -> image bytes
//	POST /v1/graph    scene -> filter graph (?format=text|dot|svg)
//
// Render responses carry X-Render-Elapsed; every response carries
// X-Request-ID, echoed from the request when present.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/matzehuels/ffcanvas/pkg/buildinfo"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
	"github.com/matzehuels/ffcanvas/pkg/observability"
	"github.com/matzehuels/ffcanvas/pkg/pipeline"
	"github.com/matzehuels/ffcanvas/pkg/scene"
)

// Response headers.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderElapsed   = "X-Render-Elapsed"
)

// Graph output formats.
const (
	GraphText = "text"
	GraphDOT  = "dot"
	GraphSVG  = "svg"
)

const (
	// DefaultMaxBodyBytes bounds scene uploads.
	DefaultMaxBodyBytes = 1 << 20

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	// MaxBodyBytes bounds request bodies. Zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// MediaRoot, when set, is the directory relative scene paths resolve
	// against. Scenes may not reference files outside it.
	MediaRoot string

	// RenderTimeout bounds each render. Zero selects the pipeline default.
	RenderTimeout time.Duration

	Logger *log.Logger
}

// Server handles render requests with a shared Runner.
type Server struct {
	runner *pipeline.Runner
	opts   Options
	logger *log.Logger
	router chi.Router
}

// New creates a server rendering through runner.
func New(runner *pipeline.Runner, opts Options) *Server {
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Server{runner: runner, opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/render", s.handleRender)
		r.Post("/graph", s.handleGraph)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Get()})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	sc, rd, err := s.prepare(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := sc.Options()
	opts.Timeout = s.opts.RenderTimeout

	result, err := rd.Render(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			s.logger.Debug("cleanup", "error", err)
		}
	}()

	f, err := result.Output.Open()
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrCodeInternal, err, "open output"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", result.Output.ContentType())
	w.Header().Set(HeaderElapsed, result.Elapsed.String())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = GraphText
	}
	if format != GraphText && format != GraphDOT && format != GraphSVG {
		s.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid format: %q (must be one of: text, dot, svg)", format))
		return
	}

	sc, rd, err := s.prepare(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := sc.Options()
	opts.Timeout = s.opts.RenderTimeout
	prog, err := s.runner.Plan(r.Context(), rd, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case GraphText:
		body, contentType = []byte(prog.String()+"\n"), "text/plain; charset=utf-8"
	case GraphDOT:
		body, contentType = []byte(filtergraph.ToDOT(prog)), "text/vnd.graphviz; charset=utf-8"
	case GraphSVG:
		if body, err = filtergraph.RenderSVG(r.Context(), prog); err != nil {
			s.writeError(w, r, err)
			return
		}
		contentType = "image/svg+xml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// prepare decodes the request scene and records it on a new renderer.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request) (*scene.Scene, *pipeline.Renderer, error) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	sc, err := scene.Decode(body, sceneFormat(r))
	if err != nil {
		return nil, nil, err
	}
	if s.opts.MediaRoot != "" {
		sc.ResolvePaths(s.opts.MediaRoot)
		if err := s.checkRoot(sc); err != nil {
			return nil, nil, err
		}
	}
	rd, err := sc.Apply(s.runner)
	if err != nil {
		return nil, nil, err
	}
	return sc, rd, nil
}

// checkRoot rejects scenes that reference files outside MediaRoot.
func (s *Server) checkRoot(sc *scene.Scene) error {
	root, err := filepath.Abs(s.opts.MediaRoot)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "resolve media root")
	}
	for _, p := range sc.Paths() {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidPath, err, "resolve %s", p)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return errors.New(errors.ErrCodeInvalidPath, "path %q is outside the media root", p)
		}
	}
	return nil
}

func sceneFormat(r *http.Request) string {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/toml", "text/toml":
		return scene.FormatTOML
	}
	return scene.FormatJSON
}

// =============================================================================
// Errors
// =============================================================================

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{
		Error:     errors.UserMessage(err),
		Code:      string(errors.GetCode(err)),
		RequestID: RequestID(r.Context()),
	})
}

// statusFor maps error codes to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodePoolClosed:
		return http.StatusServiceUnavailable
	case errors.ErrCodeUnsupported:
		return http.StatusUnsupportedMediaType
	case errors.ErrCodeEngine, errors.ErrCodeWorkerFailed, errors.ErrCodeWorkerCrashed:
		return http.StatusBadGateway
	}
	if errors.IsInput(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Middleware
// =============================================================================

type requestIDKey struct{}

// RequestID returns the request id stored in ctx by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		hooks := observability.HTTP()
		hooks.OnRequest(r.Context(), r.Method, r.URL.Path)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		hooks.OnResponse(r.Context(), r.Method, r.URL.Path, status, elapsed)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", RequestID(r.Context()),
		)
	})
}
