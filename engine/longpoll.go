package engine

import (
	"context"
	"sync"
	"time"

	"github.com/estuary-dev/estuary/store"
)

// longPollWaiter is one parked catch-up reader waiting for the tail to move
// past its offset.
type longPollWaiter struct {
	minByte uint64
	ch      chan store.Offset
	evicted chan struct{}
}

// longPollQueue holds parked long-poll readers for one stream, woken in FIFO
// order when an append moves the tail.
type longPollQueue struct {
	mu      sync.Mutex
	waiters []*longPollWaiter
}

func newLongPollQueue() *longPollQueue {
	return &longPollQueue{}
}

func (q *longPollQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *longPollQueue) register(minByte uint64) *longPollWaiter {
	w := &longPollWaiter{
		minByte: minByte,
		ch:      make(chan store.Offset, 1),
		evicted: make(chan struct{}),
	}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

func (q *longPollQueue) remove(w *longPollWaiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// notify wakes every waiter whose offset is behind the new tail.
func (q *longPollQueue) notify(tail store.Offset) {
	q.mu.Lock()
	kept := q.waiters[:0]
	var woken []*longPollWaiter
	for _, w := range q.waiters {
		if w.minByte < tail.Byte {
			woken = append(woken, w)
		} else {
			kept = append(kept, w)
		}
	}
	q.waiters = kept
	q.mu.Unlock()

	for _, w := range woken {
		select {
		case w.ch <- tail:
		default:
		}
	}
}

// notifyClosed wakes every waiter regardless of position; a closed stream's
// tail will never move again.
func (q *longPollQueue) notifyClosed(tail store.Offset) {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- tail:
		default:
		}
	}
}

// evictAll releases every waiter without new data, e.g. on stream deletion.
func (q *longPollQueue) evictAll() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range waiters {
		close(w.evicted)
	}
}

// wait parks until the tail moves past w.minByte, the timeout fires, the
// waiter is evicted, or the context ends. Returns true when new data arrived.
func (q *longPollQueue) wait(ctx context.Context, w *longPollWaiter, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer q.remove(w)
	select {
	case <-w.ch:
		return true
	case <-w.evicted:
		return false
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
