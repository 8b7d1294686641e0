package store

import (
	"os"
	"testing"
)

func newTestBboltRegistry(t *testing.T) *BboltRegistry {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "bbolt-registry-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	reg, err := NewBboltRegistry(tmpDir)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestBboltRegistryPutGetDelete(t *testing.T) {
	reg := newTestBboltRegistry(t)

	if _, err := reg.Get("stream:p/s"); err != ErrRegistryKeyNotFound {
		t.Fatalf("get missing key: %v", err)
	}
	if err := reg.Put("stream:p/s", []byte(`{"content_type":"text/plain"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := reg.Get("stream:p/s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"content_type":"text/plain"}` {
		t.Errorf("value mismatch: got %q", value)
	}

	if err := reg.Delete("stream:p/s"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reg.Get("stream:p/s"); err != ErrRegistryKeyNotFound {
		t.Fatalf("get after delete: %v", err)
	}
	// Deleting an absent key is not an error.
	if err := reg.Delete("stream:p/s"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestBboltRegistryListPrefix(t *testing.T) {
	reg := newTestBboltRegistry(t)

	for _, key := range []string{"sub:p/a:e1", "sub:p/a:e2", "sub:p/b:e1", "est:p/e1:p/a"} {
		if err := reg.Put(key, []byte("{}")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := reg.List("sub:p/a:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("list returned %d keys: %v", len(keys), keys)
	}
	if keys[0] != "sub:p/a:e1" || keys[1] != "sub:p/a:e2" {
		t.Errorf("list order: %v", keys)
	}

	keys, err = reg.List("sub:p/z:")
	if err != nil {
		t.Fatalf("list empty prefix: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("list of unused prefix returned %v", keys)
	}
}

func TestBboltRegistryClosed(t *testing.T) {
	reg := newTestBboltRegistry(t)
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := reg.Get("stream:p/s"); err != ErrStoreClosed {
		t.Fatalf("get on closed registry: %v", err)
	}
	if err := reg.Put("stream:p/s", []byte("{}")); err != ErrStoreClosed {
		t.Fatalf("put on closed registry: %v", err)
	}
	// Double close is a no-op.
	if err := reg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
