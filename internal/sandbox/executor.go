package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stealthrocket/wasi-go"
	"github.com/stealthrocket/wasi-go/imports"
	"github.com/stealthrocket/wazergo"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/wasmhive/wasmhive/internal/human"
	"github.com/wasmhive/wasmhive/internal/kv"
	"github.com/wasmhive/wasmhive/internal/worker"
)

const (
	// DefaultTimeout bounds one execution from instantiation to the entry
	// point returning.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutput bounds what a worker may write to stdout and stderr.
	DefaultMaxOutput = 16 * human.MiB
)

// Executor runs workers, one fresh instance per request. Instances share
// the runtime (and through it the compilation cache) but nothing else: each
// request gets its own module instance, its own wasi system, and its own
// stdio pipes, so no state leaks between requests.
type Executor struct {
	runtime   wazero.Runtime
	store     *kv.Store
	logger    *zap.Logger
	timeout   time.Duration
	maxOutput human.Bytes
	trace     io.Writer
	env       []string
	dirs      []string
}

type ExecutorOption func(*Executor)

// WithTimeout sets the per-request execution deadline.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithMaxOutputSize caps how much a worker may write to each of its output
// streams.
func WithMaxOutputSize(n human.Bytes) ExecutorOption {
	return func(e *Executor) { e.maxOutput = n }
}

// WithTrace writes a trace of the guest's system calls to w.
func WithTrace(w io.Writer) ExecutorOption {
	return func(e *Executor) { e.trace = w }
}

// WithEnv appends "KEY=VALUE" entries to the environment of every worker,
// ahead of the worker's own configuration.
func WithEnv(env ...string) ExecutorOption {
	return func(e *Executor) { e.env = append(e.env, env...) }
}

// WithDirs preopens directories for every worker, ahead of the worker's own
// capability grants.
func WithDirs(dirs ...string) ExecutorOption {
	return func(e *Executor) { e.dirs = append(e.dirs, dirs...) }
}

func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

func NewExecutor(runtime wazero.Runtime, store *kv.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runtime:   runtime,
		store:     store,
		logger:    zap.NewNop(),
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one request through the worker. The returned error is a
// *Failure when the worker itself is at fault, and a plain error when the
// host could not set the execution up.
func (e *Executor) Execute(ctx context.Context, module *worker.Module, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	namespace := module.Config.Capabilities.KV
	var snapshot map[string]string
	if namespace != "" {
		snapshot = e.store.Snapshot(namespace)
	}

	input, err := marshalInput(req, module.Config.Env, snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode input for %s: %w", module.Name, err)
	}

	stdio, err := openStdio()
	if err != nil {
		return nil, err
	}
	defer stdio.Close()

	builder := imports.NewBuilder().
		WithName(module.Name).
		WithEnv(e.environ(module)...).
		WithDirs(e.preopens(module)...).
		WithStdio(stdio.guestStdin, stdio.guestStdout, stdio.guestStderr)
	if module.Config.Capabilities.Network {
		builder = builder.WithSocketsExtension("auto", module.Compiled)
	}
	if e.trace != nil {
		builder = builder.WithWrappers(func(system wasi.System) wasi.System {
			return wasi.Trace(e.trace, system)
		})
	}

	ctx, system, err := builder.Instantiate(ctx, e.runtime)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasi for %s: %w", module.Name, err)
	}
	stdio.handoff()

	if namespace != "" {
		instance, err := wazergo.Instantiate(ctx, e.runtime, kv.NewHostModule(),
			kv.WithStore(e.store),
			kv.WithNamespace(namespace))
		if err != nil {
			system.Close(ctx)
			return nil, fmt.Errorf("instantiate kv module for %s: %w", module.Name, err)
		}
		defer instance.Close(ctx)
		ctx = wazergo.WithModuleInstance(ctx, instance)
	}

	var stdout, stderr bytes.Buffer
	var overflow bool
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _ = stdio.stdinW.Write(input)
		stdio.stdinW.Close()
	}()
	go func() {
		defer wg.Done()
		limit := int64(e.maxOutput)
		n, _ := io.Copy(&stdout, io.LimitReader(stdio.stdoutR, limit+1))
		if n > limit {
			overflow = true
			stdout.Truncate(int(limit))
			_, _ = io.Copy(io.Discard, stdio.stdoutR)
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, io.LimitReader(stdio.stderrR, int64(e.maxOutput)))
	}()

	runErr := e.run(ctx, module)

	// Closing the wasi system closes its duplicates of the guest pipe
	// ends, the last references left after handoff, which is what lets the
	// readers reach EOF.
	system.Close(ctx)
	wg.Wait()

	if failure := classify(ctx, runErr, overflow); failure != nil {
		failure.Stderr = strings.TrimSpace(stderr.String())
		e.logger.Debug("worker execution failed",
			zap.String("worker", module.Name),
			zap.Stringer("kind", failure.Kind),
			zap.Error(failure.Err))
		return nil, failure
	}

	response, state, err := parseOutput(stdout.Bytes())
	if err != nil {
		return nil, &Failure{
			Kind:   ProtocolViolation,
			Err:    err,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}

	if namespace != "" {
		e.store.Replace(namespace, state)
	}
	return response, nil
}

// run instantiates the compiled module and drives its entry point to
// completion or cancellation.
func (e *Executor) run(ctx context.Context, module *worker.Module) error {
	instance, err := e.runtime.InstantiateModule(ctx, module.Compiled, wazero.NewModuleConfig().
		WithName(uuid.NewString()).
		WithStartFunctions())
	if err != nil {
		return err
	}
	defer instance.Close(ctx)

	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		_, err := instance.ExportedFunction(module.Entry).Call(ctx)
		instance.Close(ctx)
		cancel(err)
	}()

	<-ctx.Done()

	err = context.Cause(ctx)
	switch err {
	case context.Canceled:
		err = nil
	}
	return err
}

// classify turns the outcome of a run into a Failure, or nil on success.
func classify(ctx context.Context, err error, overflow bool) *Failure {
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded) {
		return &Failure{Kind: Timeout, Err: context.DeadlineExceeded}
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		if code := exit.ExitCode(); code != 0 {
			return &Failure{Kind: RuntimeTrap, Err: fmt.Errorf("module exited with code %d", code)}
		}
		err = nil
	}
	if overflow {
		return &Failure{Kind: ResourceExceeded, Err: errors.New("output over size limit")}
	}
	if err != nil {
		return &Failure{Kind: RuntimeTrap, Err: err}
	}
	return nil
}

// environ is the guest's environment: the executor-wide entries first, then
// the worker's own configuration in sorted order.
func (e *Executor) environ(module *worker.Module) []string {
	env := slices.Clone(e.env)
	keys := maps.Keys(module.Config.Env)
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+module.Config.Env[k])
	}
	return env
}

// preopens resolves the directories the guest may access. Relative grants
// are anchored at the worker's own directory.
func (e *Executor) preopens(module *worker.Module) []string {
	dirs := slices.Clone(e.dirs)
	for _, dir := range module.Config.Capabilities.Dirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(module.Path), dir)
		}
		dirs = append(dirs, dir)
	}
	return dirs
}
