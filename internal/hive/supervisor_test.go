package hive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wasmhive/wasmhive/internal/assert"
	"github.com/wasmhive/wasmhive/internal/hive"
)

func writeWorkerFile(t *testing.T, root, path string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(path))
	assert.OK(t, os.MkdirAll(filepath.Dir(full), 0755))
	assert.OK(t, os.WriteFile(full, []byte{0}, 0644))
}

func TestSupervisorInitialBuild(t *testing.T) {
	root := t.TempDir()
	writeWorkerFile(t, root, "index.wasm")
	writeWorkerFile(t, root, "users/[id].wasm")

	s := hive.NewSupervisor(root, &stubLoader{}, nil)
	table, err := s.Build(context.Background())
	assert.OK(t, err)
	assert.Equal(t, table.Len(), 2)
	assert.Equal(t, s.Current(), table)
}

func TestSupervisorRebuildsOnChange(t *testing.T) {
	root := t.TempDir()
	writeWorkerFile(t, root, "index.wasm")

	s := hive.NewSupervisor(root, &stubLoader{}, nil,
		hive.WithWatchInterval(10*time.Millisecond))
	_, err := s.Build(context.Background())
	assert.OK(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	writeWorkerFile(t, root, "about.wasm")

	deadline := time.Now().Add(5 * time.Second)
	for s.Current().Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("route table was not rebuilt after the tree changed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	assert.OK(t, <-done)
}

func TestSupervisorPicksUpChangesMadeBeforePolling(t *testing.T) {
	root := t.TempDir()
	writeWorkerFile(t, root, "index.wasm")

	s := hive.NewSupervisor(root, &stubLoader{}, nil,
		hive.WithWatchInterval(10*time.Millisecond))
	_, err := s.Build(context.Background())
	assert.OK(t, err)

	// The change lands after the initial build but before polling starts;
	// it must still trigger a rebuild.
	writeWorkerFile(t, root, "about.wasm")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Current().Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("change made before polling started was never picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	assert.OK(t, <-done)
}

func TestSupervisorKeepsLastGoodTable(t *testing.T) {
	root := t.TempDir()
	writeWorkerFile(t, root, "index.wasm")

	s := hive.NewSupervisor(root, &stubLoader{}, nil,
		hive.WithWatchInterval(10*time.Millisecond))
	table, err := s.Build(context.Background())
	assert.OK(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	// Conflicting patterns make the rebuild fail; the old table must stay.
	// The directory is staged elsewhere and renamed in so both conflicting
	// workers appear in the same scan.
	staging := t.TempDir()
	writeWorkerFile(t, staging, "users/[id].wasm")
	writeWorkerFile(t, staging, "users/[name].wasm")
	assert.OK(t, os.Rename(filepath.Join(staging, "users"), filepath.Join(root, "users")))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, s.Current(), table)
	assert.Equal(t, s.Current().Len(), 1)

	cancel()
	assert.OK(t, <-done)
}
