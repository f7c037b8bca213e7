// Package human provides value types for configuration and command line
// options which parse human-friendly representations of paths, durations,
// and byte sizes.
package human

import (
	"encoding/json"
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Path is a file system path which may start with "~" to reference the
// home directory of the current user.
type Path string

func (p Path) String() string {
	return string(p)
}

func (p *Path) Set(value string) error {
	*p = Path(value)
	return nil
}

// Resolve expands the leading "~" of the path, if present.
func (p Path) Resolve() (string, error) {
	path := string(p)
	if strings.HasPrefix(path, "~") {
		u, err := user.Current()
		if err != nil {
			return "", err
		}
		path = filepath.Join(u.HomeDir, path[1:])
	}
	return path, nil
}

// Duration is a time duration; it satisfies flag.Value and the yaml
// marshaling interfaces.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) Set(value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.Set(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Set(node.Value)
}

// Bytes is a size in bytes which parses representations such as "512K",
// "128M", or "1G" (powers of two).
type Bytes int64

const (
	KiB Bytes = 1 << 10
	MiB Bytes = 1 << 20
	GiB Bytes = 1 << 30
)

func (b Bytes) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return strconv.FormatInt(int64(b/GiB), 10) + "G"
	case b >= MiB && b%MiB == 0:
		return strconv.FormatInt(int64(b/MiB), 10) + "M"
	case b >= KiB && b%KiB == 0:
		return strconv.FormatInt(int64(b/KiB), 10) + "K"
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}

func (b *Bytes) Set(value string) error {
	scale := Bytes(1)
	if n := len(value); n > 0 {
		switch value[n-1] {
		case 'K', 'k':
			scale, value = KiB, value[:n-1]
		case 'M', 'm':
			scale, value = MiB, value[:n-1]
		case 'G', 'g':
			scale, value = GiB, value[:n-1]
		}
	}
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed byte size: %q", value)
	}
	*b = Bytes(v) * scale
	return nil
}

func (b Bytes) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return b.Set(s)
}

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	return b.Set(node.Value)
}
