package hive_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wasmhive/wasmhive/internal/assert"
	"github.com/wasmhive/wasmhive/internal/hive"
	"github.com/wasmhive/wasmhive/internal/router"
	"github.com/wasmhive/wasmhive/internal/sandbox"
	"github.com/wasmhive/wasmhive/internal/worker"
)

// stubLoader fabricates worker modules so tables can be built without
// compiling anything.
type stubLoader struct {
	methods map[string][]string // keyed by base name
}

func (l *stubLoader) Load(ctx context.Context, path string) (*worker.Module, error) {
	config := worker.DefaultConfig()
	config.Methods = l.methods[filepath.Base(path)]
	return &worker.Module{
		Path:   path,
		Name:   filepath.Base(path),
		Entry:  config.Entry,
		Config: config,
	}, nil
}

type stubExecutor struct {
	res     *sandbox.Response
	err     error
	lastReq *sandbox.Request
}

func (e *stubExecutor) Execute(ctx context.Context, module *worker.Module, req *sandbox.Request) (*sandbox.Response, error) {
	e.lastReq = req
	return e.res, e.err
}

type staticRoutes struct {
	table *router.Table
}

func (s *staticRoutes) Current() *router.Table {
	return s.table
}

func buildRoutes(t *testing.T, loader router.Loader, paths ...string) *staticRoutes {
	t.Helper()
	root := t.TempDir()
	for _, path := range paths {
		full := filepath.Join(root, filepath.FromSlash(path))
		assert.OK(t, os.MkdirAll(filepath.Dir(full), 0755))
		assert.OK(t, os.WriteFile(full, []byte{0}, 0644))
	}
	table, err := router.Build(context.Background(), root, loader)
	assert.OK(t, err)
	return &staticRoutes{table: table}
}

func TestHandlerServesWorkerResponse(t *testing.T) {
	routes := buildRoutes(t, &stubLoader{}, "index.wasm", "users/[id].wasm")
	executor := &stubExecutor{res: &sandbox.Response{
		Status:  201,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    []byte(`{"ok":true}`),
	}}
	handler := hive.NewHandler(routes, executor, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/users/42?full=1", strings.NewReader(`{"name":"ada"}`)))

	assert.Equal(t, w.Code, 201)
	assert.Equal(t, w.Header().Get("content-type"), "application/json")
	assert.Equal(t, w.Body.String(), `{"ok":true}`)

	assert.Equal(t, executor.lastReq.Method, "POST")
	assert.Equal(t, executor.lastReq.URL, "/users/42?full=1")
	assert.Equal(t, executor.lastReq.Params["id"], "42")
	assert.Equal(t, string(executor.lastReq.Body), `{"name":"ada"}`)
}

func TestHandlerNotFound(t *testing.T) {
	routes := buildRoutes(t, &stubLoader{}, "index.wasm")
	handler := hive.NewHandler(routes, &stubExecutor{}, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/missing", nil))
	assert.Equal(t, w.Code, http.StatusNotFound)
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	loader := &stubLoader{methods: map[string][]string{
		"index.wasm": {"GET", "HEAD"},
	}}
	routes := buildRoutes(t, loader, "index.wasm")
	handler := hive.NewHandler(routes, &stubExecutor{}, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("DELETE", "/", nil))
	assert.Equal(t, w.Code, http.StatusMethodNotAllowed)
	assert.Equal(t, w.Header().Get("Allow"), "GET, HEAD")
}

func TestHandlerNoRoutesLoaded(t *testing.T) {
	handler := hive.NewHandler(&staticRoutes{}, &stubExecutor{}, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, w.Code, http.StatusServiceUnavailable)
}

func TestHandlerFailureTranslation(t *testing.T) {
	tests := []struct {
		kind   sandbox.FailureKind
		status int
	}{
		{sandbox.Timeout, http.StatusGatewayTimeout},
		{sandbox.ResourceExceeded, http.StatusInsufficientStorage},
		{sandbox.RuntimeTrap, http.StatusInternalServerError},
		{sandbox.ProtocolViolation, http.StatusInternalServerError},
	}

	routes := buildRoutes(t, &stubLoader{}, "index.wasm")
	for _, test := range tests {
		t.Run(test.kind.String(), func(t *testing.T) {
			executor := &stubExecutor{err: &sandbox.Failure{Kind: test.kind, Err: errors.New("boom")}}
			handler := hive.NewHandler(routes, executor, nil)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			assert.Equal(t, w.Code, test.status)
		})
	}
}

func TestHandlerPlainExecutionError(t *testing.T) {
	routes := buildRoutes(t, &stubLoader{}, "index.wasm")
	executor := &stubExecutor{err: errors.New("runtime exploded")}
	handler := hive.NewHandler(routes, executor, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, w.Code, http.StatusInternalServerError)
}

func TestHandlerRequestBodyLimit(t *testing.T) {
	routes := buildRoutes(t, &stubLoader{}, "index.wasm")
	handler := hive.NewHandler(routes, &stubExecutor{}, nil, hive.WithMaxRequestBody(8))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 100))))
	assert.Equal(t, w.Code, http.StatusRequestEntityTooLarge)
}

func TestHandlerLowercasesHeaderNames(t *testing.T) {
	routes := buildRoutes(t, &stubLoader{}, "index.wasm")
	executor := &stubExecutor{res: &sandbox.Response{Status: 200}}
	handler := hive.NewHandler(routes, executor, nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Custom-Header", "a")
	r.Header.Add("X-Custom-Header", "b")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, executor.lastReq.Headers["x-custom-header"], "a, b")
}
