package kv_test

import (
	"testing"

	"github.com/wasmhive/wasmhive/internal/assert"
	"github.com/wasmhive/wasmhive/internal/kv"
)

func TestStoreNamespaceIsolation(t *testing.T) {
	store := kv.NewStore()
	store.Set("a", "counter", "1")
	store.Set("b", "counter", "2")

	v, ok := store.Get("a", "counter")
	assert.True(t, ok, "missing key in namespace a")
	assert.Equal(t, v, "1")

	v, ok = store.Get("b", "counter")
	assert.True(t, ok, "missing key in namespace b")
	assert.Equal(t, v, "2")

	_, ok = store.Get("c", "counter")
	assert.True(t, !ok, "unexpected key in empty namespace")
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	store := kv.NewStore()
	store.Set("ns", "k", "v")

	snapshot := store.Snapshot("ns")
	snapshot["k"] = "mutated"
	snapshot["extra"] = "x"

	v, ok := store.Get("ns", "k")
	assert.True(t, ok, "missing key after snapshot mutation")
	assert.Equal(t, v, "v")
	_, ok = store.Get("ns", "extra")
	assert.True(t, !ok, "snapshot mutation leaked into store")
}

func TestStoreReplace(t *testing.T) {
	store := kv.NewStore()
	store.Set("ns", "old", "1")

	store.Replace("ns", map[string]string{"new": "2"})
	_, ok := store.Get("ns", "old")
	assert.True(t, !ok, "replaced key still present")
	v, ok := store.Get("ns", "new")
	assert.True(t, ok, "missing key after replace")
	assert.Equal(t, v, "2")

	store.Replace("ns", nil)
	assert.Equal(t, len(store.Snapshot("ns")), 0)
}

func TestStoreDelete(t *testing.T) {
	store := kv.NewStore()
	store.Set("ns", "k", "v")
	store.Delete("ns", "k")
	_, ok := store.Get("ns", "k")
	assert.True(t, !ok, "deleted key still present")

	// Deleting from a namespace that was never written must not panic.
	store.Delete("empty", "k")
}
