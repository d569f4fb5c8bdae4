// Package memstore provides the in-memory mirror backend; intended for
// tests, tooling and replicas that can afford to resynchronize on restart.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"pkt.systems/synctree/mirror"
)

// Store implements mirror.Store in process memory. Values are copied on
// the way in and out so callers can never alias the stored payloads.
type Store struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage

	sortedKeys []string
	keysDirty  bool
}

// New returns a ready to use empty store.
func New() *Store {
	return &Store{entries: make(map[string]json.RawMessage)}
}

// Put upserts one entry.
func (s *Store) Put(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.insertKey(key)
	}
	s.entries[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Get returns a copy of the entry's payload or mirror.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	return append(json.RawMessage(nil), value...), nil
}

// Delete removes one entry; absent keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.removeKey(key)
	}
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]json.RawMessage)
	s.sortedKeys = s.sortedKeys[:0]
	s.keysDirty = false
	return nil
}

// ContainsKey reports whether the key is present.
func (s *Store) ContainsKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

// Keys returns all keys in ascending order.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.entries {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	return append([]string(nil), s.sortedKeys...), nil
}

// Values returns a copied snapshot of every entry.
func (s *Store) Values(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.entries))
	for key, value := range s.entries {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out, nil
}

// PutAll upserts the given entries.
func (s *Store) PutAll(_ context.Context, entries map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range entries {
		s.entries[key] = append(json.RawMessage(nil), value...)
	}
	s.keysDirty = true
	return nil
}

// DeleteAll removes the given keys, ignoring absent ones.
func (s *Store) DeleteAll(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.keysDirty = true
	return nil
}

// insertKey keeps the sorted cache current for single-key writes. Callers
// hold the write lock.
func (s *Store) insertKey(key string) {
	if s.keysDirty {
		return
	}
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKey(key string) {
	if s.keysDirty {
		return
	}
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
