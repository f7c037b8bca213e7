package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader compiles workers through a shared wazero runtime. Compiled
// artifacts are cached by (path, content hash); concurrent loads of the
// same worker are collapsed into a single compilation. Artifacts stay valid
// for the lifetime of the runtime, so table rebuilds triggered while
// requests are in flight never invalidate a module a request still holds.
type Loader struct {
	runtime  wazero.Runtime
	logger   *zap.Logger
	maxPages uint32

	group singleflight.Group

	mu      sync.Mutex
	modules map[string]*Module
}

type LoaderOption func(*Loader)

// WithMaxMemoryPages rejects workers whose declared minimum memory exceeds
// the given number of 64KiB pages. Zero disables the check.
func WithMaxMemoryPages(pages uint32) LoaderOption {
	return func(l *Loader) { l.maxPages = pages }
}

func NewLoader(runtime wazero.Runtime, logger *zap.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		runtime: runtime,
		logger:  logger,
		modules: map[string]*Module{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the worker at path, compiling it if this binary (or its
// sidecar configuration) has not been seen before. Failures are returned as
// *LoadError and affect only this one worker.
func (l *Loader) Load(ctx context.Context, path string) (*Module, error) {
	wasmCode, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("could not read wasm file: %w", err)}
	}

	config, err := loadConfig(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	hash := contentHash(wasmCode, config)
	key := path + "\x00" + hash

	l.mu.Lock()
	module, ok := l.modules[key]
	l.mu.Unlock()
	if ok {
		return module, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		module, err := l.compile(ctx, path, hash, wasmCode, config)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.modules[key] = module
		l.mu.Unlock()
		return module, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

func (l *Loader) compile(ctx context.Context, path, hash string, wasmCode []byte, config *Config) (*Module, error) {
	if config.ABI != ContractVersion {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %d", ErrContractVersion, config.ABI)}
	}

	compiled, err := l.runtime.CompileModule(ctx, wasmCode)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	if _, ok := compiled.ExportedFunctions()[config.Entry]; !ok {
		_ = compiled.Close(ctx)
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %q", ErrMissingEntry, config.Entry)}
	}

	if l.maxPages > 0 {
		for _, mem := range compiled.ExportedMemories() {
			if uint32(mem.Min()) > l.maxPages {
				_ = compiled.Close(ctx)
				return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: module declares %d pages, limit is %d",
					ErrMemoryLimit, mem.Min(), l.maxPages)}
			}
		}
	}

	name := config.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".wasm")
	}

	l.logger.Debug("compiled worker",
		zap.String("path", path),
		zap.String("hash", hash),
		zap.String("entry", config.Entry))

	return &Module{
		Path:     path,
		Name:     name,
		Hash:     hash,
		Entry:    config.Entry,
		Compiled: compiled,
		Config:   config,
	}, nil
}

func contentHash(wasmCode []byte, config *Config) string {
	h := sha256.New()
	h.Write(wasmCode)
	fmt.Fprintf(h, "|abi=%d|entry=%s|methods=%v|env=%v|caps=%v",
		config.ABI, config.Entry, config.Methods, config.Env, config.Capabilities)
	return hex.EncodeToString(h.Sum(nil))
}
