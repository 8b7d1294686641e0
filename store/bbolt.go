package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BboltRegistry stores registry entries in a single bbolt database shared by
// all engine instances on the host.
type BboltRegistry struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

var registryBucket = []byte("registry")

// NewBboltRegistry opens (creating if needed) the registry database under
// dataDir/registry/registry.db.
func NewBboltRegistry(dataDir string) (*BboltRegistry, error) {
	dir := filepath.Join(dataDir, "registry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "registry.db"), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(registryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry bucket: %w", err)
	}
	return &BboltRegistry{db: db}, nil
}

func (r *BboltRegistry) Get(key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(registryBucket).Get([]byte(key))
		if data == nil {
			return ErrRegistryKeyNotFound
		}
		// Copy: the slice is only valid during the transaction.
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *BboltRegistry) Put(key string, value []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(registryBucket).Put([]byte(key), value)
	})
}

func (r *BboltRegistry) Delete(key string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(registryBucket).Delete([]byte(key))
	})
}

func (r *BboltRegistry) List(prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(registryBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (r *BboltRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}
