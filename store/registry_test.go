package store

import (
	"testing"
	"time"
)

func TestRegistryKeyBuilders(t *testing.T) {
	path := StreamPath{Project: "proj", Stream: "str"}
	if got, want := StreamKey(path), "stream:proj/str"; got != want {
		t.Errorf("StreamKey = %q, want %q", got, want)
	}
	if got, want := ProjectKey("proj"), "project:proj"; got != want {
		t.Errorf("ProjectKey = %q, want %q", got, want)
	}
	if got, want := SubKey(path, "est1"), "sub:proj/str:est1"; got != want {
		t.Errorf("SubKey = %q, want %q", got, want)
	}
	if got, want := EstKey("proj", "est1", path), "est:proj/est1:proj/str"; got != want {
		t.Errorf("EstKey = %q, want %q", got, want)
	}
	if got := SuffixAfter(SubKey(path, "est1"), SubKeyPrefix(path)); got != "est1" {
		t.Errorf("SuffixAfter = %q, want est1", got)
	}
}

func TestMemoryRegistryCRUD(t *testing.T) {
	reg := NewMemoryRegistry()

	if _, err := reg.Get("missing"); err != ErrRegistryKeyNotFound {
		t.Fatalf("Get(missing) = %v, want ErrRegistryKeyNotFound", err)
	}
	if err := reg.Put("stream:p/a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := reg.Put("stream:p/b", []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := reg.Put("project:p", []byte("3")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	keys, err := reg.List("stream:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List(stream:) = %v, want 2 keys", keys)
	}

	if err := reg.Delete("stream:p/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Get("stream:p/a"); err != ErrRegistryKeyNotFound {
		t.Fatalf("Get after delete = %v", err)
	}
}

func TestRegistryJSONRoundtrip(t *testing.T) {
	reg := NewMemoryRegistry()
	entry := StreamEntry{Public: true, ContentType: "application/json", CreatedAt: 12345, ReaderKey: "rk"}
	if err := PutJSON(reg, "stream:p/s", entry); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	var got StreamEntry
	if err := GetJSON(reg, "stream:p/s", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got != entry {
		t.Fatalf("roundtrip = %+v, want %+v", got, entry)
	}
}

func TestDeleteWithRetryEventuallySucceeds(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := reg.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reg.FailDeletes = 2

	start := time.Now()
	if err := DeleteWithRetry(reg, "k"); err != nil {
		t.Fatalf("DeleteWithRetry: %v", err)
	}
	// Two failures cost 100ms + 200ms of backoff.
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("expected linear backoff, finished in %v", elapsed)
	}
	if _, err := reg.Get("k"); err != ErrRegistryKeyNotFound {
		t.Fatalf("key survived retried delete: %v", err)
	}
}

func TestDeleteWithRetryGivesUp(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := reg.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reg.FailDeletes = 5
	if err := DeleteWithRetry(reg, "k"); err == nil {
		t.Fatal("expected error after three failed attempts")
	}
}
