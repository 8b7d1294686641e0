package estuary

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/store"
)

func newSSETestHandler(t *testing.T) (*Handler, store.StreamPath) {
	t.Helper()
	e := engine.New(engine.Config{
		Opener:   store.MemoryOpener(),
		Objects:  store.NewMemoryObjectStore(),
		Registry: store.NewMemoryRegistry(),
	})
	t.Cleanup(func() { e.Close() })

	path, err := store.ParseStreamPath("p/s")
	if err != nil {
		t.Fatalf("ParseStreamPath: %v", err)
	}
	return &Handler{engine: e}, path
}

func TestSSECatchUpReportsPosition(t *testing.T) {
	h, path := newSSETestHandler(t)
	if _, err := h.engine.Create(engine.CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	out, err := h.engine.Append(engine.AppendInput{Path: path, Payload: []byte("world"), ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/stream/p/s", nil)
	pos, err := h.sseCatchUp(rec, req, path, store.ZeroOffset.String(), false)
	if err != nil {
		t.Fatalf("sseCatchUp: %v", err)
	}
	if pos != out.Meta.Tail {
		t.Fatalf("caught-up position = %s, want tail %s", pos, out.Meta.Tail)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: hello\n") || !strings.Contains(body, "data: world\n") {
		t.Fatalf("catch-up frames = %q", body)
	}
	if !strings.Contains(body, `"upToDate":true`) {
		t.Fatalf("catch-up missing final control frame: %q", body)
	}
}

func TestLiveBatchServed(t *testing.T) {
	caughtUp := store.Offset{Seq: 2, Byte: 10}
	dataAt := func(b uint64) engine.SSEBatch {
		return engine.SSEBatch{Frames: [][]byte{[]byte("f")}, Tail: store.Offset{Seq: 1, Byte: b}}
	}

	// Batches at or below the replayed position were already written by
	// catch-up and must be skipped.
	if !liveBatchServed(dataAt(10), caughtUp) {
		t.Error("batch at caught-up tail delivered twice")
	}
	if !liveBatchServed(dataAt(5), caughtUp) {
		t.Error("batch below caught-up tail delivered twice")
	}
	if liveBatchServed(dataAt(11), caughtUp) {
		t.Error("batch past caught-up tail was skipped")
	}
	// Control-only batches (heartbeats, close frames) carry no tail.
	if liveBatchServed(engine.SSEBatch{Frames: [][]byte{[]byte("c")}}, caughtUp) {
		t.Error("control-only batch was skipped")
	}
	if liveBatchServed(dataAt(4), store.Offset{}) {
		t.Error("batch skipped with no catch-up replay")
	}
}
