// Package kv implements the in-memory key/value store available to workers
// which declare the kv capability. Each worker binds to a namespace; the
// namespace content is injected into the worker's input contract before
// execution and replaced from its output contract afterwards.
package kv

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Store is a set of independent key/value namespaces. All methods are safe
// for concurrent use.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]string
}

func NewStore() *Store {
	return &Store{namespaces: map[string]map[string]string{}}
}

// Snapshot returns a copy of the namespace content. The returned map is
// owned by the caller; later writes to the store are not reflected in it.
func (s *Store) Snapshot(namespace string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return map[string]string{}
	}
	return maps.Clone(ns)
}

// Replace swaps the entire content of the namespace. A nil state clears it.
func (s *Store) Replace(namespace string, state map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		delete(s.namespaces, namespace)
		return
	}
	s.namespaces[namespace] = maps.Clone(state)
}

// Get returns the value stored under key in the namespace.
func (s *Store) Get(namespace, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.namespaces[namespace][key]
	return v, ok
}

// Set stores a value under key in the namespace.
func (s *Store) Set(namespace, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = map[string]string{}
		s.namespaces[namespace] = ns
	}
	ns[key] = value
}

// Delete removes key from the namespace.
func (s *Store) Delete(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces[namespace], key)
}
