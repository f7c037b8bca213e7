package kv

import (
	"context"

	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
)

// HostModuleName is the import namespace guests use to reach the store
// directly during execution, as an alternative to the kv field of the
// input/output contract.
const HostModuleName = "wasmhive_kv"

// NewHostModule returns the kv host module. An instance must be bound to
// the request context with wazergo.WithModuleInstance before the guest
// entry point runs.
func NewHostModule() wazergo.HostModule[*Module] {
	return functions{
		"get":    wazergo.F2((*Module).Get),
		"size":   wazergo.F1((*Module).Size),
		"read":   wazergo.F3((*Module).Read),
		"close":  wazergo.F1((*Module).CloseHandle),
		"set":    wazergo.F4((*Module).Set),
		"delete": wazergo.F2((*Module).Delete),
	}
}

type Option = wazergo.Option[*Module]

type functions wazergo.Functions[*Module]

func (f functions) Name() string {
	return HostModuleName
}

func (f functions) Functions() wazergo.Functions[*Module] {
	return (wazergo.Functions[*Module])(f)
}

func (f functions) Instantiate(ctx context.Context, opts ...Option) (*Module, error) {
	mod := &Module{values: map[int32]string{}}
	wazergo.Configure(mod, opts...)
	return mod, nil
}

func WithStore(store *Store) Option {
	return wazergo.OptionFunc(func(m *Module) { m.store = store })
}

func WithNamespace(namespace string) Option {
	return wazergo.OptionFunc(func(m *Module) { m.namespace = namespace })
}

// Module is the per-request state of the kv host module. Values returned by
// get are held behind handles so guests can size their buffers before
// copying them out, following the same protocol as read-style host calls.
type Module struct {
	store      *Store
	namespace  string
	nextHandle int32
	values     map[int32]string
}

func (m *Module) Close(ctx context.Context) error {
	m.values = nil
	return nil
}

// Get looks up a key and returns a handle to its value, or -1 when the key
// is absent.
func (m *Module) Get(ctx context.Context, key Pointer[Uint8], keyLen Int32) Int32 {
	v, ok := m.store.Get(m.namespace, string(key.Slice(int(keyLen))))
	if !ok {
		return -1
	}
	h := m.nextHandle
	m.nextHandle++
	m.values[h] = v
	return Int32(h)
}

func (m *Module) Size(ctx context.Context, h Int32) Int32 {
	v, ok := m.values[int32(h)]
	if !ok {
		return -1
	}
	return Int32(len(v))
}

func (m *Module) Read(ctx context.Context, h Int32, buf Pointer[Uint8], cap Int32) Int32 {
	v, ok := m.values[int32(h)]
	if !ok {
		return -1
	}
	if int(cap) < len(v) {
		return -1
	}
	if !buf.Memory().Write(buf.Offset(), []byte(v)) {
		panic("memory write out of range")
	}
	return Int32(len(v))
}

func (m *Module) CloseHandle(ctx context.Context, h Int32) Int32 {
	delete(m.values, int32(h))
	return 0
}

func (m *Module) Set(ctx context.Context, key Pointer[Uint8], keyLen Int32, val Pointer[Uint8], valLen Int32) Int32 {
	m.store.Set(m.namespace, string(key.Slice(int(keyLen))), string(val.Slice(int(valLen))))
	return 0
}

func (m *Module) Delete(ctx context.Context, key Pointer[Uint8], keyLen Int32) Int32 {
	m.store.Delete(m.namespace, string(key.Slice(int(keyLen))))
	return 0
}
