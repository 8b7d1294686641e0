package edge

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescerSingleFetch(t *testing.T) {
	c := NewCoalescer(50*time.Millisecond, 0)

	var fetches atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func() (*BufferedResponse, bool, error) {
		fetches.Add(1)
		close(started)
		<-release
		return okResponse(""), false, nil
	}
	join := func() (*BufferedResponse, bool, error) {
		t.Error("joined caller ran its own fetch")
		return nil, false, nil
	}

	const waiters = 20
	var wg sync.WaitGroup
	results := make([]bool, waiters)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, shared, err := c.Do(t.Context(), "/u", fetch)
		if err != nil || resp == nil || shared {
			t.Errorf("leader: resp=%v shared=%v err=%v", resp, shared, err)
		}
	}()
	<-started
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, shared, err := c.Do(t.Context(), "/u", join)
			if err != nil || resp == nil {
				t.Errorf("waiter %d: resp=%v err=%v", i, resp, err)
			}
			results[i] = shared
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetch ran %d times, want 1", n)
	}
	for i, shared := range results {
		if !shared {
			t.Fatalf("waiter %d did not report a shared result", i)
		}
	}
}

func TestCoalescerLinger(t *testing.T) {
	c := NewCoalescer(80*time.Millisecond, 0)

	var fetches atomic.Int64
	cachedFetch := func() (*BufferedResponse, bool, error) {
		fetches.Add(1)
		return okResponse(""), true, nil
	}
	if _, _, err := c.Do(t.Context(), "/u", cachedFetch); err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Within the linger window, followers share the resolved entry.
	resp, shared, err := c.Do(t.Context(), "/u", cachedFetch)
	if err != nil || resp == nil || !shared {
		t.Fatalf("linger join: resp=%v shared=%v err=%v", resp, shared, err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetch ran %d times within linger, want 1", n)
	}

	time.Sleep(120 * time.Millisecond)
	if c.Len() != 0 {
		t.Fatalf("entry survived linger, len=%d", c.Len())
	}
	if _, shared, _ := c.Do(t.Context(), "/u", cachedFetch); shared {
		t.Fatal("post-linger caller joined a stale entry")
	}
}

func TestCoalescerUncachedDoesNotLinger(t *testing.T) {
	c := NewCoalescer(time.Minute, 0)
	uncached := func() (*BufferedResponse, bool, error) {
		return okResponse("no-store"), false, nil
	}
	if _, _, err := c.Do(t.Context(), "/u", uncached); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("uncached entry lingered, len=%d", c.Len())
	}
}

func TestCoalescerErrorNotShared(t *testing.T) {
	c := NewCoalescer(time.Minute, 0)
	boom := errors.New("boom")
	if _, _, err := c.Do(t.Context(), "/u", func() (*BufferedResponse, bool, error) {
		return nil, false, boom
	}); err != boom {
		t.Fatalf("err = %v, want boom", err)
	}
	// The failed entry is gone; the next caller fetches fresh.
	resp, shared, err := c.Do(t.Context(), "/u", func() (*BufferedResponse, bool, error) {
		return &BufferedResponse{Status: http.StatusOK, Header: http.Header{}}, false, nil
	})
	if err != nil || resp == nil || shared {
		t.Fatalf("retry after error: resp=%v shared=%v err=%v", resp, shared, err)
	}
}

func TestCoalescerCapacityBypass(t *testing.T) {
	c := NewCoalescer(time.Minute, 1)
	cachedFetch := func() (*BufferedResponse, bool, error) {
		return okResponse(""), true, nil
	}
	if _, _, err := c.Do(t.Context(), "/a", cachedFetch); err != nil {
		t.Fatalf("Do /a: %v", err)
	}
	// /a lingers, so the map is full; /b must still be served.
	resp, shared, err := c.Do(t.Context(), "/b", cachedFetch)
	if err != nil || resp == nil || shared {
		t.Fatalf("bypass: resp=%v shared=%v err=%v", resp, shared, err)
	}
	if c.Len() != 1 {
		t.Fatalf("bypass fetch registered an entry, len=%d", c.Len())
	}
}
