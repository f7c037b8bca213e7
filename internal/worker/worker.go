// Package worker loads compiled WebAssembly workers from disk and validates
// them against the host/guest contract.
package worker

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
)

// Module is an immutable, loaded worker: the compiled artifact plus the
// metadata needed to route to it and execute it. Modules are shared
// read-only between concurrent executions; per-request state lives in the
// sandbox instance, never here.
type Module struct {
	// Path is the wasm binary location on disk.
	Path string
	// Name is the worker's display name, defaulting to its file name.
	Name string
	// Hash is the hex sha256 of the binary and its sidecar configuration.
	Hash string
	// Entry is the exported function invoked per request.
	Entry string
	// Compiled is the reusable compiled artifact.
	Compiled wazero.CompiledModule
	// Config is the worker's sidecar configuration.
	Config *Config
}

// Errors a worker can fail to load with. They are all local to the one
// module: the caller skips the route and keeps going.
var (
	ErrMissingEntry    = errors.New("entry point not exported by module")
	ErrContractVersion = errors.New("unsupported contract version")
	ErrMemoryLimit     = errors.New("memory requirement over limit")
)

// LoadError reports that a single worker could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load worker %s: %s", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
