package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the shared key/value store mapping projects to signing config
// and stream paths to public metadata. All mutations are idempotent; entries
// are JSON blobs.
type Registry interface {
	// Get returns the raw entry, or ErrRegistryKeyNotFound.
	Get(key string) ([]byte, error)

	// Put stores an entry, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes an entry. Deleting a missing key succeeds.
	Delete(key string) error

	// List returns all keys with the given prefix, sorted.
	List(prefix string) ([]string, error)

	// Close releases resources.
	Close() error
}

// Registry key families.
const (
	projectKeyPrefix = "project:"
	streamKeyPrefix  = "stream:"
	subKeyPrefix     = "sub:"
	estKeyPrefix     = "est:"
)

// ProjectKey builds the registry key for a project's signing config.
func ProjectKey(project string) string { return projectKeyPrefix + project }

// StreamKey builds the registry key for a stream's public metadata.
func StreamKey(path StreamPath) string { return streamKeyPrefix + path.String() }

// SubKey builds the per-source fan-out subscription key.
func SubKey(source StreamPath, estuaryID string) string {
	return subKeyPrefix + source.String() + ":" + estuaryID
}

// SubKeyPrefix lists all subscriptions of one source stream.
func SubKeyPrefix(source StreamPath) string {
	return subKeyPrefix + source.String() + ":"
}

// EstKey builds the estuary reverse-index key for one subscribed source.
func EstKey(project, estuaryID string, source StreamPath) string {
	return estKeyPrefix + project + "/" + estuaryID + ":" + source.String()
}

// EstKeyPrefix lists an estuary's reverse index.
func EstKeyPrefix(project, estuaryID string) string {
	return estKeyPrefix + project + "/" + estuaryID + ":"
}

// SuffixAfter strips prefix from key; both key builders above guarantee the
// remainder is the listed entity id.
func SuffixAfter(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// ProjectConfig is the project:<id> entry.
type ProjectConfig struct {
	// SigningSecrets is a list so rotation is lossless: verification tries
	// each; the first entry is the active signer.
	SigningSecrets []string `json:"signing_secrets"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	IsPublic       bool     `json:"is_public,omitempty"`
}

// StreamEntry is the stream:<path> entry, written on successful create and
// deleted on successful stream delete.
type StreamEntry struct {
	Public      bool   `json:"public"`
	ContentType string `json:"content_type"`
	CreatedAt   int64  `json:"created_at"`
	ReaderKey   string `json:"reader_key,omitempty"`
}

// SubEntry is the payload of both sub: and est: keys.
type SubEntry struct {
	SubscribedAt int64 `json:"subscribed_at"`
}

// GetJSON unmarshals a registry entry into v.
func GetJSON(r Registry, key string, v any) error {
	raw, err := r.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("registry entry %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(r Registry, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.Put(key, raw)
}

// DeleteWithRetry deletes a key, retrying up to three times with linear
// backoff (100/200/300ms). The engine tolerates stale entries, so the caller
// logs and moves on after the final failure.
func DeleteWithRetry(r Registry, key string) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = r.Delete(key); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return err
}

// MemoryRegistry is an in-memory Registry for tests and dev mode.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string][]byte

	// FailDeletes makes the next N deletes fail (test hook for retry paths).
	FailDeletes int
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string][]byte)}
}

func (r *MemoryRegistry) Get(key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.entries[key]
	if !ok {
		return nil, ErrRegistryKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (r *MemoryRegistry) Put(key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = append([]byte(nil), value...)
	return nil
}

func (r *MemoryRegistry) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailDeletes > 0 {
		r.FailDeletes--
		return fmt.Errorf("registry delete failed (induced)")
	}
	delete(r.entries, key)
	return nil
}

func (r *MemoryRegistry) List(prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *MemoryRegistry) Close() error { return nil }
