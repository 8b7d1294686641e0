package fanout

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	if b.State() != BreakerClosed {
		t.Fatalf("initial state = %s", b.State())
	}
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() || b.State() != BreakerClosed {
		t.Fatal("breaker opened before the threshold")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state after %d failures = %s", 3, b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a dispatch")
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after reset", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, 40*time.Millisecond)
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("open breaker admitted a dispatch")
	}

	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker did not admit a trial after recovery")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state after recovery = %s", b.State())
	}

	// A failed trial reopens immediately.
	b.RecordFailure()
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatal("failed half-open trial did not reopen the circuit")
	}

	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("no trial after second recovery window")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state after successful trial = %s", b.State())
	}
}

func TestBreakerStateString(t *testing.T) {
	for state, want := range map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
	} {
		if got := state.String(); got != want {
			t.Errorf("String(%d) = %q, want %q", state, got, want)
		}
	}
}
