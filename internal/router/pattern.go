// Package router derives URL patterns from the layout of a worker tree and
// matches incoming request paths against them.
//
// The convention mirrors file-based routers: the path of a worker relative
// to the root, minus its extension, is its URL pattern. Directory names map
// to literal segments, a [name] component becomes a named path parameter,
// and an index file maps to its directory's own path:
//
//	index.wasm          -> /
//	api/hello.wasm      -> /api/hello
//	users/[id].wasm     -> /users/[id]
//	users/index.wasm    -> /users
package router

import (
	"fmt"
	"path"
	"strings"
)

const (
	wasmExt   = ".wasm"
	indexName = "index"
)

// Segment is one element of a route pattern: either a literal path element
// or a named parameter.
type Segment struct {
	Literal string
	Param   string
}

func (s Segment) IsParam() bool {
	return s.Param != ""
}

func (s Segment) String() string {
	if s.IsParam() {
		return "[" + s.Param + "]"
	}
	return s.Literal
}

// Pattern is an ordered sequence of segments derived from a worker's
// relative path. The zero-length pattern is the root path "/".
type Pattern struct {
	Segments []Segment
}

func (p Pattern) String() string {
	if len(p.Segments) == 0 {
		return "/"
	}
	b := new(strings.Builder)
	for _, s := range p.Segments {
		b.WriteByte('/')
		b.WriteString(s.String())
	}
	return b.String()
}

// Shape is the pattern's structure with parameter names erased. Two
// patterns with equal shapes match exactly the same set of paths.
func (p Pattern) Shape() string {
	if len(p.Segments) == 0 {
		return "/"
	}
	b := new(strings.Builder)
	for _, s := range p.Segments {
		b.WriteByte('/')
		if s.IsParam() {
			b.WriteByte('*')
		} else {
			b.WriteString(s.Literal)
		}
	}
	return b.String()
}

// NumParams counts the parameter segments.
func (p Pattern) NumParams() int {
	n := 0
	for _, s := range p.Segments {
		if s.IsParam() {
			n++
		}
	}
	return n
}

// Derive is the pure function from a worker's root-relative path to its URL
// pattern. It never touches the file system.
func Derive(relPath string) (Pattern, error) {
	relPath = path.Clean(strings.TrimPrefix(relPath, "/"))
	if relPath == "." || relPath == ".." || strings.HasPrefix(relPath, "../") {
		return Pattern{}, fmt.Errorf("path %q escapes the worker root", relPath)
	}
	if !strings.HasSuffix(relPath, wasmExt) {
		return Pattern{}, fmt.Errorf("path %q is not a worker binary", relPath)
	}
	relPath = strings.TrimSuffix(relPath, wasmExt)

	parts := strings.Split(relPath, "/")
	if last := len(parts) - 1; parts[last] == indexName {
		parts = parts[:last]
	}

	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		segment, err := parseSegment(part)
		if err != nil {
			return Pattern{}, err
		}
		segments = append(segments, segment)
	}
	return Pattern{Segments: segments}, nil
}

func parseSegment(part string) (Segment, error) {
	if part == "" {
		return Segment{}, fmt.Errorf("empty path segment")
	}
	if strings.HasPrefix(part, "[") && strings.HasSuffix(part, "]") {
		name := part[1 : len(part)-1]
		if name == "" {
			return Segment{}, fmt.Errorf("parameter segment %q has no name", part)
		}
		if strings.ContainsAny(name, "[]/") {
			return Segment{}, fmt.Errorf("malformed parameter segment %q", part)
		}
		return Segment{Param: name}, nil
	}
	if strings.ContainsAny(part, "[]") {
		return Segment{}, fmt.Errorf("malformed literal segment %q", part)
	}
	return Segment{Literal: part}, nil
}

// splitPath breaks a request path into its segments. The root path yields
// an empty slice. Empty segments from duplicate slashes are rejected by
// returning ok=false.
func splitPath(p string) ([]string, bool) {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return nil, true
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" {
			return nil, false
		}
	}
	return parts, true
}
