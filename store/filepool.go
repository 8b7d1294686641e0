package store

import (
	"container/list"
	"os"
	"sync"
)

// FilePool manages a pool of read handles for segment objects with LRU
// eviction. Segment files are immutable, so a pooled handle can serve any
// number of ranged readers; eviction waits for outstanding readers to finish.
type FilePool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*poolEntry
	lru     *list.List // front = most recently used
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
	refs    int
	evicted bool
}

// NewFilePool creates a new file pool with the given maximum size.
func NewFilePool(maxSize int) *FilePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &FilePool{
		maxSize: maxSize,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Acquire returns an open handle for path, pinning it against eviction.
// Callers must pair every Acquire with a Release.
func (p *FilePool) Acquire(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		if entry.evicted {
			entry.evicted = false
			entry.element = p.lru.PushFront(entry)
		} else {
			p.lru.MoveToFront(entry.element)
		}
		entry.refs++
		return entry.file, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	entry := &poolEntry{path: path, file: file, refs: 1}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	p.evictLocked()
	return file, nil
}

// Release unpins a handle acquired with Acquire.
func (p *FilePool) Release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return
	}
	entry.refs--
	if entry.evicted && entry.refs <= 0 {
		p.dropLocked(entry)
	}
}

// Remove closes and forgets the handle for path, if pooled.
func (p *FilePool) Remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return
	}
	if entry.refs > 0 {
		entry.evicted = true
		return
	}
	p.dropLocked(entry)
}

// evictLocked trims the pool to maxSize, skipping pinned entries.
func (p *FilePool) evictLocked() {
	for p.lru.Len() > p.maxSize {
		elem := p.lru.Back()
		if elem == nil {
			return
		}
		entry := elem.Value.(*poolEntry)
		if entry.refs > 0 {
			// Pinned; mark for drop on final release and stop scanning.
			entry.evicted = true
			p.lru.Remove(elem)
			entry.element = nil
			return
		}
		p.dropLocked(entry)
	}
}

func (p *FilePool) dropLocked(entry *poolEntry) {
	if entry.element != nil {
		p.lru.Remove(entry.element)
		entry.element = nil
	}
	delete(p.files, entry.path)
	entry.file.Close()
}

// Len reports the number of pooled handles.
func (p *FilePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// Close closes all pooled handles.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
	}
	p.files = make(map[string]*poolEntry)
	p.lru.Init()
	return lastErr
}
