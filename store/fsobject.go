package store

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FSObjectStore keeps cold segment objects as files under a root directory.
// Object keys map to percent-escaped path components, so a key like
// "p/s/segments/1-1000.bin" stays browsable on disk.
type FSObjectStore struct {
	root string
	pool *FilePool
}

// NewFSObjectStore creates a filesystem object store rooted at dir.
func NewFSObjectStore(dir string, maxHandles int) (*FSObjectStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("object store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}
	return &FSObjectStore{root: dir, pool: NewFilePool(maxHandles)}, nil
}

// keyPath converts an object key to a filesystem path, escaping each key
// component so keys cannot traverse outside the root.
func (s *FSObjectStore) keyPath(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *FSObjectStore) Put(key string, data []byte, contentType string) error {
	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so readers never observe a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FSObjectStore) Open(key string, offset uint64) (io.ReadCloser, error) {
	path := s.keyPath(key)
	file, err := s.pool.Acquire(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		s.pool.Release(path)
		return nil, err
	}
	length := info.Size() - int64(offset)
	if length < 0 {
		length = 0
	}
	return &pooledReader{
		r:    io.NewSectionReader(file, int64(offset), length),
		pool: s.pool,
		path: path,
	}, nil
}

func (s *FSObjectStore) Delete(key string) error {
	path := s.keyPath(key)
	s.pool.Remove(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases all pooled handles.
func (s *FSObjectStore) Close() error {
	return s.pool.Close()
}

// pooledReader is a ranged reader over a pooled handle. SectionReader uses
// ReadAt, so concurrent readers can share the handle safely.
type pooledReader struct {
	r    *io.SectionReader
	pool *FilePool
	path string
	done bool
}

func (r *pooledReader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

func (r *pooledReader) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	r.pool.Release(r.path)
	return nil
}
