package hive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wasmhive/wasmhive/internal/router"
)

// Supervisor owns the live route table. It builds the initial table, then
// polls the worker tree and swaps a freshly built table in whenever the
// tree changes. Swaps are atomic: requests started against the old table
// keep it for their whole lifetime.
type Supervisor struct {
	root     string
	loader   router.Loader
	logger   *zap.Logger
	interval time.Duration
	limiter  *rate.Limiter

	table atomic.Pointer[router.Table]
	// lastScan is the fingerprint of the tree the current table was built
	// from; Run compares against it so nothing between a build and the
	// first tick goes unseen.
	lastScan string
}

type SupervisorOption func(*Supervisor)

// WithWatchInterval sets how often the worker tree is polled for changes.
func WithWatchInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.interval = d }
}

func NewSupervisor(root string, loader router.Loader, logger *zap.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		root:     root,
		loader:   loader,
		logger:   logger,
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Successive writes under the poll interval collapse into one rebuild.
	s.limiter = rate.NewLimiter(rate.Every(s.interval), 1)
	return s
}

// Current returns the route table requests should resolve against. It is
// nil until the first successful build.
func (s *Supervisor) Current() *router.Table {
	return s.table.Load()
}

// Build assembles the route table and swaps it in. The initial build must
// succeed for the server to start; later rebuilds go through Run. The tree
// is fingerprinted before the scan, so a change landing while the table is
// being built still counts as new on the next poll.
func (s *Supervisor) Build(ctx context.Context) (*router.Table, error) {
	scan, err := fingerprint(s.root)
	if err != nil {
		return nil, err
	}
	table, err := router.Build(ctx, s.root, s.loader, router.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.table.Store(table)
	s.lastScan = scan
	return table, nil
}

// Run polls the worker tree until the context is canceled. A change to the
// tree triggers a rebuild; if the rebuild fails, the last good table stays
// in place and the error is logged.
func (s *Supervisor) Run(ctx context.Context) error {
	// The baseline is the scan the current table was built from, not the
	// tree as it stands now.
	last := s.lastScan

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}

		next, err := fingerprint(s.root)
		if err != nil {
			s.logger.Warn("could not scan worker tree", zap.Error(err))
			continue
		}
		if next == last {
			continue
		}
		if !s.limiter.Allow() {
			// Leave last untouched so the change is picked up on the next
			// tick.
			continue
		}

		table, err := router.Build(ctx, s.root, s.loader, router.WithLogger(s.logger))
		if err != nil {
			s.logger.Error("keeping previous routes, rebuild failed", zap.Error(err))
			last = next
			continue
		}

		s.table.Store(table)
		last = next
		s.logger.Info("routes rebuilt", zap.Int("routes", table.Len()))
	}
}

// fingerprint summarizes the part of the tree that feeds the route table:
// worker binaries and their sidecar configurations.
func fingerprint(root string) (string, error) {
	h := sha256.New()
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
		if !strings.HasSuffix(path, ".wasm") && !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s|%d|%d\n", path, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
