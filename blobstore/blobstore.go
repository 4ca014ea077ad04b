// Package blobstore provides the pluggable durable key/value blob store the
// state cache flushes to and restores from.
//
// The Store interface uses a simple key-value pattern where:
//   - Keys are strings (hierarchical paths supported via "/" separators)
//   - Values are opaque binary blobs ([]byte), typically JSON
//   - Operations are context-aware for cancellation and timeouts
//
// Implementations:
//   - filestore.Store: JSON files under a data directory
//   - memstore.Store: in-memory map, used in tests
//
// Thread Safety:
// All Store implementations must be safe for concurrent use from multiple
// goroutines.
package blobstore

import "context"

// Store is the pluggable backend interface for durable blob storage.
type Store interface {
	// Put stores binary data at the specified key, overwriting any
	// existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves binary data for the specified key.
	// Returns errors.ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys matching the specified prefix, in
	// lexicographic order. An empty prefix lists all keys.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the data at the specified key. Deleting a missing
	// key is not an error (idempotent).
	Delete(ctx context.Context, key string) error
}
