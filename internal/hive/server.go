package hive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/wasmhive/wasmhive/internal/human"
	"github.com/wasmhive/wasmhive/internal/router"
	"github.com/wasmhive/wasmhive/internal/sandbox"
	"github.com/wasmhive/wasmhive/internal/worker"
)

// RouteProvider returns the table a request resolves against. The table is
// captured once at the start of the request, so a concurrent swap never
// gives a single request two different views of the routes.
type RouteProvider interface {
	Current() *router.Table
}

// Executor runs one request through a worker.
type Executor interface {
	Execute(ctx context.Context, module *worker.Module, req *sandbox.Request) (*sandbox.Response, error)
}

type handler struct {
	routes   RouteProvider
	executor Executor
	logger   *zap.Logger
	maxBody  human.Bytes
}

type HandlerOption func(*handler)

// WithMaxRequestBody caps the request body size accepted from clients.
func WithMaxRequestBody(n human.Bytes) HandlerOption {
	return func(h *handler) { h.maxBody = n }
}

// NewHandler builds the HTTP frontend: route resolution, worker execution,
// failure translation, and response compression.
func NewHandler(routes RouteProvider, executor Executor, logger *zap.Logger, opts ...HandlerOption) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		routes:   routes,
		executor: executor,
		logger:   logger,
		maxBody:  16 * human.MiB,
	}
	for _, opt := range opts {
		opt(h)
	}
	return gzhttp.GzipHandler(h)
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	status, workerName := h.serve(w, r)

	fields := []zap.Field{
		zap.String("id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	}
	if workerName != "" {
		fields = append(fields, zap.String("worker", workerName))
	}
	h.logger.Info("request", fields...)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) (int, string) {
	table := h.routes.Current()
	if table == nil {
		return h.fail(w, http.StatusServiceUnavailable, "no routes loaded"), ""
	}

	match, result := table.Match(r.Method, r.URL.Path)
	switch result {
	case router.NotFound:
		return h.fail(w, http.StatusNotFound, "no worker for this path"), ""
	case router.MethodNotAllowed:
		w.Header().Set("Allow", strings.Join(match.Entry.Methods, ", "))
		return h.fail(w, http.StatusMethodNotAllowed, "method not allowed"), ""
	}

	module := match.Entry.Worker
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxBody)))
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return h.fail(w, http.StatusRequestEntityTooLarge, "request body over limit"), module.Name
		}
		return h.fail(w, http.StatusBadRequest, "could not read request body"), module.Name
	}

	res, err := h.executor.Execute(r.Context(), module, &sandbox.Request{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: flattenHeaders(r.Header),
		Params:  match.Params,
		Body:    body,
	})
	if err != nil {
		return h.failExecution(w, module, err), module.Name
	}

	header := w.Header()
	for name, value := range res.Headers {
		header.Set(name, value)
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
	return res.Status, module.Name
}

// failExecution translates an execution error into an HTTP status. Workers
// never get to write a partial response; either their output document is
// served in full or the client sees one of these.
func (h *handler) failExecution(w http.ResponseWriter, module *worker.Module, err error) int {
	var failure *sandbox.Failure
	if !errors.As(err, &failure) {
		h.logger.Error("worker execution error",
			zap.String("worker", module.Name),
			zap.Error(err))
		return h.fail(w, http.StatusInternalServerError, "worker failed")
	}

	h.logger.Warn("worker failure",
		zap.String("worker", module.Name),
		zap.Stringer("kind", failure.Kind),
		zap.String("stderr", failure.Stderr),
		zap.Error(failure.Err))

	switch failure.Kind {
	case sandbox.Timeout:
		return h.fail(w, http.StatusGatewayTimeout, "worker timed out")
	case sandbox.ResourceExceeded:
		return h.fail(w, http.StatusInsufficientStorage, "worker exceeded resource limits")
	default:
		return h.fail(w, http.StatusInternalServerError, "worker failed")
	}
}

func (h *handler) fail(w http.ResponseWriter, status int, msg string) int {
	http.Error(w, msg, status)
	return status
}

// flattenHeaders folds the request headers to one value per name, the shape
// the input document uses. Names are lowercased so guests do not have to
// guess at canonicalization.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
