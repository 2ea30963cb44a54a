// Package backoff provides the retry-delay policy for failed submissions.
// The policy is a pure function of the attempt count so it can be tested
// without real timers; jitter is drawn from an injectable source.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

// Policy computes exponential retry delays:
//
//	delay = min(Base * 2^attempts, Max) +/- Jitter
//
// Jitter is a fraction of the computed delay (0.2 means +/-20%), spread
// so that many actions failing together do not retry in lockstep.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// Default returns the standard policy: 1s base, 60s cap, +/-20% jitter.
func Default() *Policy {
	return New(time.Second, time.Minute, 0.2)
}

// New creates a policy with its own jitter source.
func New(base, max time.Duration, jitter float64) *Policy {
	return &Policy{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the delay before the given attempt may be retried.
// attempts counts failures so far, so the first retry (attempts=1) waits
// roughly 2*Base. The un-jittered delay is non-decreasing up to Max.
func (p *Policy) NextDelay(attempts int) time.Duration {
	d := p.raw(attempts)
	if p.Jitter <= 0 {
		return d
	}

	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()

	// Spread across [1-Jitter, 1+Jitter].
	scale := 1 + p.Jitter*(2*f-1)
	return time.Duration(float64(d) * scale)
}

// raw returns the un-jittered delay, saturating at Max.
func (p *Policy) raw(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
