package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wasmhive/wasmhive/internal/assert"
	"github.com/wasmhive/wasmhive/internal/wasmtest"
	"github.com/wasmhive/wasmhive/internal/worker"
)

func newRuntime(t *testing.T) wazero.Runtime {
	t.Helper()
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	t.Cleanup(func() { runtime.Close(ctx) })
	return runtime
}

func writeWorker(t *testing.T, name string, code []byte, sidecar string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	assert.OK(t, os.WriteFile(path, code, 0644))
	if sidecar != "" {
		yaml := filepath.Join(dir, name[:len(name)-len(".wasm")]+".yaml")
		assert.OK(t, os.WriteFile(yaml, []byte(sidecar), 0644))
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeWorker(t, "hello.wasm", wasmtest.Command("_start"), "")
	loader := worker.NewLoader(newRuntime(t), nil)

	module, err := loader.Load(context.Background(), path)
	assert.OK(t, err)
	assert.Equal(t, module.Name, "hello")
	assert.Equal(t, module.Entry, "_start")
	assert.Equal(t, module.Config.ABI, worker.ContractVersion)
}

func TestLoadMissingEntry(t *testing.T) {
	path := writeWorker(t, "empty.wasm", wasmtest.Empty(), "")
	loader := worker.NewLoader(newRuntime(t), nil)

	_, err := loader.Load(context.Background(), path)
	assert.True(t, errors.Is(err, worker.ErrMissingEntry), "expected ErrMissingEntry, got %v", err)

	var loadErr *worker.LoadError
	assert.True(t, errors.As(err, &loadErr), "expected a *LoadError")
	assert.Equal(t, loadErr.Path, path)
}

func TestLoadCustomEntry(t *testing.T) {
	path := writeWorker(t, "custom.wasm", wasmtest.Command("run"), `
entry: run
`)
	loader := worker.NewLoader(newRuntime(t), nil)

	module, err := loader.Load(context.Background(), path)
	assert.OK(t, err)
	assert.Equal(t, module.Entry, "run")
}

func TestLoadRejectsContractVersion(t *testing.T) {
	path := writeWorker(t, "future.wasm", wasmtest.Command("_start"), `
abi: 2
`)
	loader := worker.NewLoader(newRuntime(t), nil)

	_, err := loader.Load(context.Background(), path)
	assert.True(t, errors.Is(err, worker.ErrContractVersion), "expected ErrContractVersion, got %v", err)
}

func TestLoadRejectsUnknownSidecarField(t *testing.T) {
	path := writeWorker(t, "typo.wasm", wasmtest.Command("_start"), `
entrypoint: run
`)
	loader := worker.NewLoader(newRuntime(t), nil)

	if _, err := loader.Load(context.Background(), path); err == nil {
		t.Fatal("expected an unknown sidecar field to fail the load")
	}
}

func TestLoadCachesByContent(t *testing.T) {
	path := writeWorker(t, "cached.wasm", wasmtest.Command("_start"), "")
	loader := worker.NewLoader(newRuntime(t), nil)

	a, err := loader.Load(context.Background(), path)
	assert.OK(t, err)
	b, err := loader.Load(context.Background(), path)
	assert.OK(t, err)
	if a != b {
		t.Fatal("loading an unchanged worker must return the cached module")
	}

	// Rewriting the binary invalidates the cached artifact.
	assert.OK(t, os.WriteFile(path, wasmtest.Command("run"), 0644))
	assert.OK(t, os.WriteFile(filepath.Join(filepath.Dir(path), "cached.yaml"), []byte("entry: run\n"), 0644))
	c, err := loader.Load(context.Background(), path)
	assert.OK(t, err)
	if a == c {
		t.Fatal("a changed worker must be recompiled")
	}
}

func TestLoadRejectsMemoryOverLimit(t *testing.T) {
	path := writeWorker(t, "greedy.wasm", wasmtest.Greedy("_start", 4), "")
	loader := worker.NewLoader(newRuntime(t), nil, worker.WithMaxMemoryPages(2))

	_, err := loader.Load(context.Background(), path)
	assert.True(t, errors.Is(err, worker.ErrMemoryLimit), "expected ErrMemoryLimit, got %v", err)
}
