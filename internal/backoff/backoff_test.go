// Package backoff provides unit tests for the retry-delay policy.
package backoff

import (
	"testing"
	"time"
)

// TestNextDelayMonotonic verifies the un-jittered delay never decreases.
func TestNextDelayMonotonic(t *testing.T) {
	p := New(time.Second, time.Minute, 0)

	prev := time.Duration(0)
	for attempts := 0; attempts < 20; attempts++ {
		d := p.NextDelay(attempts)
		if d < prev {
			t.Errorf("delay decreased at attempt %d: %v < %v", attempts, d, prev)
		}
		prev = d
	}
}

// TestNextDelayCap verifies the delay saturates at Max.
func TestNextDelayCap(t *testing.T) {
	p := New(time.Second, time.Minute, 0)

	if d := p.NextDelay(30); d != time.Minute {
		t.Errorf("expected cap of 1m, got %v", d)
	}

	// Attempt counts large enough to overflow a shifted duration must
	// still return the cap.
	if d := p.NextDelay(500); d != time.Minute {
		t.Errorf("expected cap of 1m for huge attempt count, got %v", d)
	}
}

// TestNextDelayBase verifies the zero-attempt delay equals Base.
func TestNextDelayBase(t *testing.T) {
	p := New(time.Second, time.Minute, 0)

	if d := p.NextDelay(0); d != time.Second {
		t.Errorf("expected base delay 1s, got %v", d)
	}

	if d := p.NextDelay(1); d != 2*time.Second {
		t.Errorf("expected doubled delay 2s, got %v", d)
	}
}

// TestNextDelayJitterBounds verifies jitter stays within +/-20%.
func TestNextDelayJitterBounds(t *testing.T) {
	p := New(time.Second, time.Minute, 0.2)

	for i := 0; i < 200; i++ {
		d := p.NextDelay(2) // raw = 4s
		lo := time.Duration(float64(4*time.Second) * 0.8)
		hi := time.Duration(float64(4*time.Second) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestNextDelayNegativeAttempts(t *testing.T) {
	p := New(time.Second, time.Minute, 0)

	if d := p.NextDelay(-3); d != time.Second {
		t.Errorf("expected base delay for negative attempts, got %v", d)
	}
}
