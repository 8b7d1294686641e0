package engine

import (
	"context"
	"testing"
	"time"

	"github.com/estuary-dev/estuary/store"
)

func TestLongPollWakesOnAppend(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	res, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	type result struct {
		res *ReadResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := e.Read(t.Context(), ReadRequest{
			Path: path, Offset: res.Meta.Tail.String(),
			LongPoll: true, Timeout: 5 * time.Second,
		})
		done <- result{r, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := e.Append(AppendInput{Path: path, Payload: []byte("wake"), ContentType: "text/plain"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("long-poll read: %v", r.err)
		}
		if len(r.res.Ops) != 1 || string(r.res.Ops[0].Payload) != "wake" {
			t.Fatalf("long-poll returned ops %+v", r.res.Ops)
		}
		if r.res.TimedOut {
			t.Fatal("long-poll reported timeout despite new data")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll did not wake on append")
	}
}

func TestLongPollTailAliasDeliversAppend(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	if _, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// "-1" must pin to the tail at park time; the wake-up delivers the append
	// instead of re-parking at the moved tail.
	type result struct {
		res *ReadResult
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		r, err := e.Read(t.Context(), ReadRequest{
			Path: path, Offset: "-1",
			LongPoll: true, Timeout: 500 * time.Millisecond,
		})
		done <- result{r, err}
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := e.Append(AppendInput{Path: path, Payload: []byte("x"), ContentType: "text/plain"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("long-poll read: %v", r.err)
		}
		if r.res.TimedOut {
			t.Fatalf("tail-alias long-poll timed out after %v without delivering", time.Since(start))
		}
		if len(r.res.Ops) != 1 || string(r.res.Ops[0].Payload) != "x" {
			t.Fatalf("long-poll returned ops %+v", r.res.Ops)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tail-alias long-poll did not return")
	}
}

func TestLongPollTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	res, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	start := time.Now()
	r, err := e.Read(t.Context(), ReadRequest{
		Path: path, Offset: res.Meta.Tail.String(),
		LongPoll: true, Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !r.TimedOut || !r.UpToDate {
		t.Fatalf("timed-out=%v up-to-date=%v", r.TimedOut, r.UpToDate)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the deadline", elapsed)
	}
	if r.NextOffset != res.Meta.Tail {
		t.Fatalf("next offset = %s, want tail %s", r.NextOffset, res.Meta.Tail)
	}
}

func TestLongPollContextCancel(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	res, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := e.Read(ctx, ReadRequest{
			Path: path, Offset: res.Meta.Tail.String(),
			LongPoll: true, Timeout: 10 * time.Second,
		})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("cancelled read returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled long-poll did not return")
	}
}

func TestLongPollStaleStartReadsImmediately(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	if _, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("one")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Append(AppendInput{Path: path, Payload: []byte("two"), ContentType: "text/plain"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Data already exists past the requested offset; long-poll must not park.
	r, err := e.Read(t.Context(), ReadRequest{
		Path: path, Offset: store.ZeroOffset.String(),
		LongPoll: true, Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(r.Ops) != 2 {
		t.Fatalf("long-poll with backlog returned %d ops", len(r.Ops))
	}
}

func TestLongPollReleasedOnClose(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	res, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	type result struct {
		res *ReadResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := e.Read(t.Context(), ReadRequest{
			Path: path, Offset: res.Meta.Tail.String(),
			LongPoll: true, Timeout: 10 * time.Second,
		})
		done <- result{r, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := e.Append(AppendInput{Path: path, Close: true}); err != nil {
		t.Fatalf("close-only append: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("long-poll read: %v", r.err)
		}
		if r.res.TimedOut || !r.res.UpToDate {
			t.Fatalf("timed-out=%v up-to-date=%v", r.res.TimedOut, r.res.UpToDate)
		}
		if !r.res.Meta.Closed {
			t.Fatal("woken reader did not observe the closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter survived stream close")
	}
}

func TestLongPollClosedStreamReturnsImmediately(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	res, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed"), Close: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	start := time.Now()
	r, err := e.Read(t.Context(), ReadRequest{
		Path: path, Offset: res.Meta.Tail.String(),
		LongPoll: true, Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !r.UpToDate || r.TimedOut {
		t.Fatalf("up-to-date=%v timed-out=%v", r.UpToDate, r.TimedOut)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("closed-stream long-poll parked for %v", elapsed)
	}
}

func TestWaiterEvictionOnDelete(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	path := mustPath(t, "p/s")
	res, err := e.Create(CreateRequest{Path: path, ContentType: "text/plain", Body: []byte("seed")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Read(t.Context(), ReadRequest{
			Path: path, Offset: res.Meta.Tail.String(),
			LongPoll: true, Timeout: 10 * time.Second,
		})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := e.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case <-done:
		// Eviction surfaces either a timeout-style result or a not-found on
		// re-read; the point is the waiter does not hang for 10s.
	case <-time.After(2 * time.Second):
		t.Fatal("waiter survived stream deletion")
	}
}
