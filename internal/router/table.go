package router

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/wasmhive/wasmhive/internal/worker"
)

// Entry binds a URL pattern to a loaded worker.
type Entry struct {
	Pattern Pattern
	// Methods is the sorted set of allowed HTTP methods; empty allows all.
	Methods []string
	Worker  *worker.Module
}

// Allows reports whether the entry accepts the method.
func (e *Entry) Allows(method string) bool {
	if len(e.Methods) == 0 {
		return true
	}
	return slices.Contains(e.Methods, method)
}

// Table is an immutable snapshot of the routes discovered from one scan of
// the worker tree. It is safe for unlimited concurrent readers; rebuilds
// produce a new Table rather than mutating one in place.
type Table struct {
	entries []*Entry
	byLen   map[int][]*Entry
}

// Entries returns the routes in precedence order.
func (t *Table) Entries() []*Entry {
	return t.entries
}

func (t *Table) Len() int {
	return len(t.entries)
}

// BuildError reports that two workers derive patterns which would match the
// same requests. The whole build fails rather than serving either.
type BuildError struct {
	Shape string
	Paths []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("conflicting route patterns for %s: %s", e.Shape, strings.Join(e.Paths, ", "))
}

// Loader loads the worker found at a path.
type Loader interface {
	Load(ctx context.Context, path string) (*worker.Module, error)
}

type buildOptions struct {
	logger *zap.Logger
}

type BuildOption func(*buildOptions)

func WithLogger(logger *zap.Logger) BuildOption {
	return BuildOption(func(o *buildOptions) { o.logger = logger })
}

// Build scans the tree under root and assembles the route table. Workers
// which fail to load are skipped with a warning; structurally identical
// patterns with overlapping methods fail the whole build. Building twice
// over an unchanged tree yields structurally equal tables.
func Build(ctx context.Context, root string, loader Loader, opts ...BuildOption) (*Table, error) {
	options := buildOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), wasmExt) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Strings(paths)

	entries := make([]*Entry, 0, len(paths))
	seen := map[string][]*Entry{}

	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		pattern, err := Derive(filepath.ToSlash(rel))
		if err != nil {
			logger.Warn("skipping worker with underivable route",
				zap.String("path", path),
				zap.Error(err))
			continue
		}

		module, err := loader.Load(ctx, path)
		if err != nil {
			logger.Warn("skipping worker that failed to load",
				zap.String("path", path),
				zap.Error(err))
			continue
		}

		methods := slices.Clone(module.Config.Methods)
		slices.Sort(methods)
		entry := &Entry{Pattern: pattern, Methods: methods, Worker: module}

		shape := pattern.Shape()
		for _, other := range seen[shape] {
			if methodsOverlap(entry.Methods, other.Methods) {
				return nil, &BuildError{
					Shape: shape,
					Paths: []string{other.Worker.Path, module.Path},
				}
			}
		}
		seen[shape] = append(seen[shape], entry)
		entries = append(entries, entry)
	}

	slices.SortStableFunc(entries, func(a, b *Entry) bool {
		return lessPrecedence(a, b)
	})

	byLen := map[int][]*Entry{}
	for _, entry := range entries {
		n := len(entry.Pattern.Segments)
		byLen[n] = append(byLen[n], entry)
	}
	return &Table{entries: entries, byLen: byLen}, nil
}

// methodsOverlap reports whether two method sets can both accept some
// request. An empty set allows every method.
func methodsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, m := range a {
		if slices.Contains(b, m) {
			return true
		}
	}
	return false
}

// lessPrecedence is the route precedence order: shorter patterns first for
// determinism, then segment by segment with literals outranking parameters.
// Patterns that agree at every position share a shape, so the only pairs
// left undecided are method-disjoint routes over the same paths, ordered by
// pattern text.
func lessPrecedence(a, b *Entry) bool {
	as, bs := a.Pattern.Segments, b.Pattern.Segments
	if len(as) != len(bs) {
		return len(as) < len(bs)
	}
	for i := range as {
		ap, bp := as[i].IsParam(), bs[i].IsParam()
		if ap != bp {
			return bp // the literal side sorts first
		}
	}
	return a.Pattern.String() < b.Pattern.String()
}
