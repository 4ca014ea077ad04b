// Package memstore provides an in-memory blobstore.Store, used in tests and
// for ephemeral deployments.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Byounghakim/pc-ui-server-sub000/blobstore"
	"github.com/Byounghakim/pc-ui-server-sub000/errors"
)

// Store is an in-memory implementation of blobstore.Store.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
}

var _ blobstore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidState, "memstore", "Put", "empty key")
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.items[key] = cp
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the data stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.ErrKeyNotFound
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns all keys with the given prefix in lexicographic order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}
