package store

import (
	"io"
	"os"
	"testing"
)

func newTestFSObjectStore(t *testing.T) *FSObjectStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "fsobject-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := NewFSObjectStore(tmpDir, 4)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFSObjectStorePutOpen(t *testing.T) {
	s := newTestFSObjectStore(t)

	key := "p/s/segments/1-1000.bin"
	if err := s.Put(key, []byte("hello world"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := s.Open(key, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q", data)
	}

	// Ranged open skips the prefix.
	rc, err = s.Open(key, 6)
	if err != nil {
		t.Fatalf("ranged open: %v", err)
	}
	data, err = io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ranged read: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("ranged data = %q", data)
	}
}

func TestFSObjectStoreOverwrite(t *testing.T) {
	s := newTestFSObjectStore(t)

	key := "p/s/segments/1-2.bin"
	if err := s.Put(key, []byte("first"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Idempotent rewrite of the same key replaces the object atomically.
	if err := s.Put(key, []byte("first"), "text/plain"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	rc, err := s.Open(key, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "first" {
		t.Errorf("data after rewrite = %q", data)
	}
}

func TestFSObjectStoreMissingAndDelete(t *testing.T) {
	s := newTestFSObjectStore(t)

	if _, err := s.Open("p/s/segments/9-9.bin", 0); err != ErrObjectNotFound {
		t.Fatalf("open missing: %v", err)
	}

	key := "p/s/segments/1-1.bin"
	if err := s.Put(key, []byte("x"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Open(key, 0); err != ErrObjectNotFound {
		t.Fatalf("open after delete: %v", err)
	}
	// Deleting an absent object is not an error.
	if err := s.Delete(key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFSObjectStoreKeyEscaping(t *testing.T) {
	s := newTestFSObjectStore(t)

	// Path-traversal characters in a key component must not escape the root.
	key := "p/s:v1.0/segments/1-1.bin"
	if err := s.Put(key, []byte("x"), "application/octet-stream"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := s.Open(key, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rc.Close()
}

func TestFSObjectStoreConcurrentReaders(t *testing.T) {
	s := newTestFSObjectStore(t)

	key := "p/s/segments/1-1.bin"
	if err := s.Put(key, []byte("shared-handle"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Two readers over the same pooled handle at different offsets.
	r1, err := s.Open(key, 0)
	if err != nil {
		t.Fatalf("open r1: %v", err)
	}
	r2, err := s.Open(key, 7)
	if err != nil {
		t.Fatalf("open r2: %v", err)
	}
	d2, _ := io.ReadAll(r2)
	d1, _ := io.ReadAll(r1)
	r1.Close()
	r2.Close()
	if string(d1) != "shared-handle" || string(d2) != "handle" {
		t.Errorf("d1=%q d2=%q", d1, d2)
	}
}
