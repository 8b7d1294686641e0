package store

import (
	"bytes"
	"io"
	"sync"
)

// ObjectStore is the cold storage interface: immutable segment blobs keyed by
// generated names. Writers write once at rotation; readers are ranged.
type ObjectStore interface {
	// Put stores an object. Re-putting the same key with identical bytes is
	// legal (idempotent rotation retries do exactly that).
	Put(key string, data []byte, contentType string) error

	// Open returns a reader over the object's bytes starting at offset.
	// Returns ErrObjectNotFound for unknown keys.
	Open(key string, offset uint64) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(key string) error
}

// MemoryObjectStore is an in-memory ObjectStore for tests and dev mode.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Put(key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryObjectStore) Open(key string, offset uint64) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	if offset > uint64(len(data)) {
		offset = uint64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (s *MemoryObjectStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Len reports the number of stored objects (test helper).
func (s *MemoryObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Has reports whether key exists (test helper).
func (s *MemoryObjectStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}
