// Package hive ties the pieces of the server together: configuration, the
// shared wazero runtime, the HTTP frontend, and the watch supervisor that
// keeps the route table in sync with the worker tree.
package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"gopkg.in/yaml.v3"

	"github.com/wasmhive/wasmhive/internal/human"
)

const defaultConfigPath = "~/.wasmhive/config.yaml"

// ConfigPath is the path to the wasmhive configuration.
var ConfigPath human.Path = defaultConfigPath

// wasmPageSize is the size of one linear memory page.
const wasmPageSize = 64 * human.KiB

// LoadConfig opens and reads the configuration file.
func LoadConfig() (*Config, error) {
	r, _, err := OpenConfig()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadConfig(r)
}

// OpenConfig opens the configuration file. When no file exists the default
// configuration is returned instead.
func OpenConfig() (io.ReadCloser, string, error) {
	path, err := ConfigPath.Resolve()
	if err != nil {
		return nil, path, err
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
		c := DefaultConfig()
		b, _ := yaml.Marshal(c)
		return io.NopCloser(bytes.NewReader(b)), path, nil
	}
	return f, path, nil
}

// ReadConfig reads and parses configuration.
func ReadConfig(r io.Reader) (*Config, error) {
	c := DefaultConfig()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultConfig is the default configuration.
func DefaultConfig() *Config {
	c := new(Config)
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 8080
	c.Workers.Timeout = human.Duration(30 * time.Second)
	c.Workers.Memory = 128 * human.MiB
	c.Workers.MaxRequestBody = 16 * human.MiB
	c.Workers.MaxOutput = 16 * human.MiB
	c.Watch.Interval = human.Duration(time.Second)
	return c
}

// Config is wasmhive configuration.
type Config struct {
	Server struct {
		Host string `json:"host" yaml:"host"`
		Port int    `json:"port" yaml:"port"`
	} `json:"server" yaml:"server"`
	Workers struct {
		// Timeout bounds every request execution.
		Timeout human.Duration `json:"timeout" yaml:"timeout"`
		// Memory caps the linear memory of each worker instance.
		Memory human.Bytes `json:"memory" yaml:"memory"`
		// MaxRequestBody caps what the server accepts from clients.
		MaxRequestBody human.Bytes `json:"maxRequestBody" yaml:"maxRequestBody"`
		// MaxOutput caps what a worker may write on each output stream.
		MaxOutput human.Bytes `json:"maxOutput" yaml:"maxOutput"`
	} `json:"workers" yaml:"workers"`
	Cache struct {
		Location Nullable[human.Path] `json:"location" yaml:"location"`
	} `json:"cache" yaml:"cache"`
	Watch struct {
		Interval human.Duration `json:"interval" yaml:"interval"`
	} `json:"watch" yaml:"watch"`
}

// MemoryPages is the worker memory limit expressed in linear memory pages.
func (c *Config) MemoryPages() uint32 {
	if c.Workers.Memory <= 0 {
		return 0
	}
	return uint32(c.Workers.Memory / wasmPageSize)
}

// NewRuntime constructs a wazero.Runtime that's configured according to
// Config.
func (c *Config) NewRuntime(ctx context.Context) (wazero.Runtime, error) {
	config := wazero.NewRuntimeConfig().
		// Interrupting a worker stuck in a loop relies on the runtime
		// watching the request context.
		WithCloseOnContextDone(true)

	if pages := c.MemoryPages(); pages > 0 {
		config = config.WithMemoryLimitPages(pages)
	}

	var cache wazero.CompilationCache
	if cachePath, ok := c.Cache.Location.Value(); ok {
		path, err := cachePath.Resolve()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve wasmhive cache location: %w", err)
		}
		cache, err = createCacheDirectory(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create wasmhive cache directory: %w", err)
		}
		config = config.WithCompilationCache(cache)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, config)
	if cache != nil {
		runtime = &runtimeWithCompilationCache{
			Runtime: runtime,
			cache:   cache,
		}
	}
	return runtime, nil
}

type runtimeWithCompilationCache struct {
	wazero.Runtime
	cache wazero.CompilationCache
}

func (r *runtimeWithCompilationCache) Close(ctx context.Context) error {
	if r.cache != nil {
		defer r.cache.Close(ctx)
	}
	return r.Runtime.Close(ctx)
}

func createDirectory(path string) error {
	if err := os.MkdirAll(path, 0777); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func createCacheDirectory(path string) (wazero.CompilationCache, error) {
	if err := createDirectory(path); err != nil {
		return nil, err
	}
	return wazero.NewCompilationCacheWithDir(path)
}

type Nullable[T any] struct {
	value T
	exist bool
}

func NullableValue[T any](v T) Nullable[T] {
	return Nullable[T]{value: v, exist: true}
}

func (v Nullable[T]) Value() (T, bool) {
	return v.value, v.exist
}

func (v Nullable[T]) MarshalJSON() ([]byte, error) {
	if !v.exist {
		return []byte("null"), nil
	}
	return json.Marshal(v.value)
}

func (v Nullable[T]) MarshalYAML() (any, error) {
	if !v.exist {
		return nil, nil
	}
	return v.value, nil
}

func (v *Nullable[T]) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		v.exist = false
		return nil
	} else if err := json.Unmarshal(b, &v.value); err != nil {
		v.exist = false
		return err
	} else {
		v.exist = true
		return nil
	}
}

func (v *Nullable[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" || node.Value == "~" || node.Value == "null" {
		v.exist = false
		return nil
	} else if err := node.Decode(&v.value); err != nil {
		v.exist = false
		return err
	} else {
		v.exist = true
		return nil
	}
}
