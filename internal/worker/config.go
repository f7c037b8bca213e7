package worker

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ContractVersion is the host/guest contract version this server speaks.
// Workers declaring any other version fail to load.
const ContractVersion = 1

// DefaultEntry is the exported function invoked on each request unless the
// worker configuration overrides it.
const DefaultEntry = "_start"

// Config is the optional per-worker configuration, read from a yaml file
// sitting next to the wasm binary (users/[id].wasm -> users/[id].yaml).
type Config struct {
	Name    string   `yaml:"name"`
	ABI     int      `yaml:"abi"`
	Entry   string   `yaml:"entry"`
	Methods []string `yaml:"methods"`
	// Env is the flat configuration mapping handed to the guest on every
	// request.
	Env          map[string]string `yaml:"env"`
	Capabilities Capabilities      `yaml:"capabilities"`
}

// Capabilities enumerates what a worker is allowed to reach beyond its
// input and output contracts. Anything not declared here is denied at
// execution time.
type Capabilities struct {
	// Dirs are directories preopened for the guest, relative to the
	// worker's own directory unless absolute.
	Dirs []string `yaml:"dirs"`
	// KV grants access to a key/value namespace.
	KV string `yaml:"kv"`
	// Network allows the guest to open sockets.
	Network bool `yaml:"network"`
}

// DefaultConfig is the configuration of a worker with no sidecar file.
func DefaultConfig() *Config {
	return &Config{ABI: ContractVersion, Entry: DefaultEntry}
}

// ReadConfig reads and parses a worker configuration.
func ReadConfig(r io.Reader) (*Config, error) {
	c := DefaultConfig()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil {
		return nil, err
	}
	if c.Entry == "" {
		c.Entry = DefaultEntry
	}
	for i, method := range c.Methods {
		c.Methods[i] = strings.ToUpper(strings.TrimSpace(method))
	}
	return c, nil
}

// loadConfig reads the sidecar configuration for the wasm binary at path,
// falling back to defaults when no sidecar exists.
func loadConfig(path string) (*Config, error) {
	sidecar := strings.TrimSuffix(path, ".wasm") + ".yaml"
	f, err := os.Open(sidecar)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	defer f.Close()
	c, err := ReadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", sidecar, err)
	}
	return c, nil
}
