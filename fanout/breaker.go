// Package fanout implements subscription management and publish dispatch:
// subscriber registries per source stream, estuary reverse indexes with TTL
// cleanup, inline and queued delivery, and the circuit breaker protecting
// the publish hot path.
package fanout

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecovery         = 30 * time.Second
)

// Breaker is the per-source circuit protecting inline fan-out. It trips
// after consecutive failing dispatches, routes everything to the queue while
// open, and closes again on the first successful dispatch in half-open.
type Breaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker builds a closed breaker; zero arguments select the defaults.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecovery
	}
	return &Breaker{threshold: threshold, recovery: recovery, now: time.Now}
}

// Allow reports whether an inline dispatch may proceed. An open breaker past
// its recovery window transitions to half-open and admits one trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	default:
		if b.now().Sub(b.openedAt) >= b.recovery {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure counts one failing dispatch and opens the circuit at the
// threshold. A failed half-open trial reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current state without transitions.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
