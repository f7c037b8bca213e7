package router_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wasmhive/wasmhive/internal/assert"
	"github.com/wasmhive/wasmhive/internal/router"
	"github.com/wasmhive/wasmhive/internal/worker"
)

// stubLoader fabricates worker modules without compiling anything; method
// sets and per-path load failures are configured by the test.
type stubLoader struct {
	methods map[string][]string // keyed by base name
	broken  map[string]bool
}

func (l *stubLoader) Load(ctx context.Context, path string) (*worker.Module, error) {
	base := filepath.Base(path)
	if l.broken[base] {
		return nil, &worker.LoadError{Path: path, Err: worker.ErrMissingEntry}
	}
	config := worker.DefaultConfig()
	config.Methods = l.methods[base]
	return &worker.Module{
		Path:   path,
		Name:   base,
		Entry:  config.Entry,
		Config: config,
	}, nil
}

func writeTree(t *testing.T, paths ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, path := range paths {
		full := filepath.Join(root, filepath.FromSlash(path))
		assert.OK(t, os.MkdirAll(filepath.Dir(full), 0755))
		assert.OK(t, os.WriteFile(full, []byte{0}, 0644))
	}
	return root
}

func patterns(table *router.Table) []string {
	var out []string
	for _, e := range table.Entries() {
		out = append(out, e.Pattern.String())
	}
	return out
}

func TestBuildDiscoversAllWorkers(t *testing.T) {
	root := writeTree(t,
		"index.wasm",
		"about.wasm",
		"api/hello.wasm",
		"users/[id].wasm",
		"users/index.wasm",
		"notes.txt", // ignored
	)

	table, err := router.Build(context.Background(), root, &stubLoader{})
	assert.OK(t, err)
	assert.Equal(t, table.Len(), 5)
}

func TestBuildIsIdempotent(t *testing.T) {
	root := writeTree(t, "index.wasm", "api/hello.wasm", "users/[id].wasm")
	loader := &stubLoader{}

	a, err := router.Build(context.Background(), root, loader)
	assert.OK(t, err)
	b, err := router.Build(context.Background(), root, loader)
	assert.OK(t, err)

	if diff := cmp.Diff(patterns(a), patterns(b)); diff != "" {
		t.Fatalf("rebuild produced a different table (-first +second):\n%s", diff)
	}
}

func TestBuildRejectsConflictingPatterns(t *testing.T) {
	root := writeTree(t, "users/[id].wasm", "users/[name].wasm")

	_, err := router.Build(context.Background(), root, &stubLoader{})
	var buildErr *router.BuildError
	assert.True(t, errors.As(err, &buildErr), "expected a BuildError")
	assert.Equal(t, buildErr.Shape, "/users/*")
}

func TestBuildAllowsSameShapeWithDisjointMethods(t *testing.T) {
	root := writeTree(t, "users/[id].wasm", "users/[name].wasm")
	loader := &stubLoader{methods: map[string][]string{
		"[id].wasm":   {"GET"},
		"[name].wasm": {"POST"},
	}}

	table, err := router.Build(context.Background(), root, loader)
	assert.OK(t, err)
	assert.Equal(t, table.Len(), 2)
}

func TestBuildOrdersShapeEqualRoutesByPattern(t *testing.T) {
	root := writeTree(t, "users/[name].wasm", "users/[id].wasm")
	loader := &stubLoader{methods: map[string][]string{
		"[id].wasm":   {"GET"},
		"[name].wasm": {"POST"},
	}}

	table, err := router.Build(context.Background(), root, loader)
	assert.OK(t, err)
	assert.EqualAll(t, patterns(table), []string{"/users/[id]", "/users/[name]"})
}

func TestBuildSkipsBrokenWorkers(t *testing.T) {
	root := writeTree(t, "index.wasm", "broken.wasm")
	loader := &stubLoader{broken: map[string]bool{"broken.wasm": true}}

	table, err := router.Build(context.Background(), root, loader)
	assert.OK(t, err)
	assert.Equal(t, table.Len(), 1)
	assert.Equal(t, table.Entries()[0].Pattern.String(), "/")
}

func TestBuildPrecedenceOrder(t *testing.T) {
	root := writeTree(t,
		"a/[x].wasm",
		"a/b.wasm",
		"index.wasm",
		"[y]/b.wasm",
	)

	table, err := router.Build(context.Background(), root, &stubLoader{})
	assert.OK(t, err)
	assert.EqualAll(t, patterns(table), []string{
		"/",
		"/a/b",
		"/a/[x]",
		"/[y]/b",
	})
}
