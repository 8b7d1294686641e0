// Package edge implements the request-layer concerns that sit in front of
// the stream engine: a per-URL response cache, in-flight request coalescing,
// and the SSE-over-WebSocket bridge.
package edge

import (
	"container/list"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL applies when a cacheable response carries no max-age.
const DefaultCacheTTL = 60 * time.Second

// BufferedResponse is a fully materialised response suitable for caching and
// for replay to coalesced waiters.
type BufferedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone returns a copy whose header map the caller may mutate.
func (r *BufferedResponse) Clone() *BufferedResponse {
	return &BufferedResponse{Status: r.Status, Header: r.Header.Clone(), Body: r.Body}
}

// ETag returns the response's strong validator, if any.
func (r *BufferedResponse) ETag() string {
	return r.Header.Get("ETag")
}

type cacheEntry struct {
	url     string
	resp    *BufferedResponse
	expires time.Time
	elem    *list.Element
}

// Cache is a bounded LRU of buffered GET responses keyed by full request URL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List
	max     int
}

// NewCache creates a cache holding at most max entries.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 10000
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		max:     max,
	}
}

// Get returns the cached response for a URL, or nil on miss or expiry.
func (c *Cache) Get(url string) *BufferedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return nil
	}
	if time.Now().After(e.expires) {
		c.lru.Remove(e.elem)
		delete(c.entries, url)
		return nil
	}
	c.lru.MoveToFront(e.elem)
	return e.resp
}

// Put stores a response under its URL for ttl. Zero ttl uses the response's
// max-age, falling back to DefaultCacheTTL.
func (c *Cache) Put(url string, resp *BufferedResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = maxAge(resp.Header)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[url]; ok {
		e.resp = resp
		e.expires = time.Now().Add(ttl)
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &cacheEntry{url: url, resp: resp, expires: time.Now().Add(ttl)}
	e.elem = c.lru.PushFront(e)
	c.entries[url] = e
	for len(c.entries) > c.max {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.entries, victim.url)
	}
}

// Delete drops a URL from the cache.
func (c *Cache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[url]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, url)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func maxAge(h http.Header) time.Duration {
	for _, part := range strings.Split(h.Get("Cache-Control"), ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return DefaultCacheTTL
}

// CachePolicy carries the per-request facts the cacheability decision needs.
type CachePolicy struct {
	Method string
	// AtTail means the response was a plain catch-up read that ended at the
	// stream tail; its content changes as appends arrive.
	AtTail   bool
	LongPoll bool
	// Public is the stream's visibility; non-public responses are cached
	// only when the reader key travelled in the URL.
	Public         bool
	ReaderKeyInURL bool
}

// Cacheable decides whether a buffered response may populate the URL cache.
// At-tail plain GETs are excluded because read-after-write would break;
// long-poll responses are content-addressed by their rotating cursor and
// stay cacheable. Non-public streams without the reader key in the URL never
// populate the cache, so keyless URLs cannot serve authorised content.
func Cacheable(p CachePolicy, resp *BufferedResponse) bool {
	if p.Method != http.MethodGet {
		return false
	}
	if resp.Status != http.StatusOK {
		return false
	}
	if strings.Contains(resp.Header.Get("Cache-Control"), "no-store") {
		return false
	}
	if p.AtTail && !p.LongPoll {
		return false
	}
	if !p.Public && !p.ReaderKeyInURL {
		return false
	}
	return true
}
