package storage

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore is a key/value store of opaque string blobs. The engine keeps its whole
// record table as one JSON document under a single key.
type BlobStore interface {
	// Get returns the value under key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// PersistenceError reports a storage I/O failure. Callers log it and carry on with
// their in-memory state.
type PersistenceError struct {
	Operation string
	Key       string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s of %q: %v", e.Operation, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// MemoryBlobStore is a process-local BlobStore, used when no database is configured
// and in tests.
type MemoryBlobStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{data: make(map[string]string)}
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]

	return v, ok, nil
}

func (m *MemoryBlobStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value

	return nil
}
