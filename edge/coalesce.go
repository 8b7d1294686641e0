package edge

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultLinger keeps a resolved coalesce entry alive briefly so
	// requests arriving just after resolution still share it, covering the
	// window before the async cache write lands.
	DefaultLinger = 200 * time.Millisecond

	// DefaultMaxInFlight caps the coalescing map.
	DefaultMaxInFlight = 100000
)

// FetchFunc produces the buffered response for a coalesced URL. cached
// reports whether the caller stored the response in the URL cache, which
// controls whether the entry lingers after resolution.
type FetchFunc func() (resp *BufferedResponse, cached bool, err error)

type inflightEntry struct {
	done chan struct{}
	resp *BufferedResponse
	err  error
}

// Coalescer deduplicates concurrent cache-miss GETs to the same URL: one
// fetch runs, every waiter shares its buffered result.
type Coalescer struct {
	linger time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*inflightEntry
}

// NewCoalescer builds a coalescer; zero arguments select the defaults.
func NewCoalescer(linger time.Duration, max int) *Coalescer {
	if linger <= 0 {
		linger = DefaultLinger
	}
	if max <= 0 {
		max = DefaultMaxInFlight
	}
	return &Coalescer{
		linger:  linger,
		max:     max,
		entries: make(map[string]*inflightEntry),
	}
}

// Do returns the buffered response for url, fetching at most once across
// concurrent callers. shared is true for callers that joined an existing
// in-flight fetch. When the map is at capacity the caller fetches directly
// without coalescing.
func (c *Coalescer) Do(ctx context.Context, url string, fetch FetchFunc) (resp *BufferedResponse, shared bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[url]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.resp, true, e.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}
	if len(c.entries) >= c.max {
		c.mu.Unlock()
		resp, _, err = fetch()
		return resp, false, err
	}
	e := &inflightEntry{done: make(chan struct{})}
	c.entries[url] = e
	c.mu.Unlock()

	var cached bool
	e.resp, cached, e.err = fetch()
	close(e.done)

	if e.err == nil && cached {
		time.AfterFunc(c.linger, func() { c.remove(url, e) })
	} else {
		c.remove(url, e)
	}
	return e.resp, false, e.err
}

// remove deletes the entry only if it is still the one we resolved.
func (c *Coalescer) remove(url string, e *inflightEntry) {
	c.mu.Lock()
	if cur, ok := c.entries[url]; ok && cur == e {
		delete(c.entries, url)
	}
	c.mu.Unlock()
}

// Len reports the in-flight entry count.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
