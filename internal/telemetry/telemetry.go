// Package telemetry collects in-process sync counters. Nothing is ever
// transmitted anywhere: the counters exist so callers and tests can
// observe engine behavior without polling the queue.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters aggregates engine activity since process start.
type Counters struct {
	PassesRun         int64 `json:"passes_run"`
	ActionsSucceeded  int64 `json:"actions_succeeded"`
	ActionsFailed     int64 `json:"actions_failed"`
	ActionsConflicted int64 `json:"actions_conflicted"`
	RetriesScheduled  int64 `json:"retries_scheduled"`
	Reconnects        int64 `json:"reconnects"`
}

// Collector is a concurrency-safe counter set.
type Collector struct {
	passesRun         atomic.Int64
	actionsSucceeded  atomic.Int64
	actionsFailed     atomic.Int64
	actionsConflicted atomic.Int64
	retriesScheduled  atomic.Int64
	reconnects        atomic.Int64

	mu           sync.Mutex
	lastPassTime time.Time
	lastPassSpan time.Duration
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// PassCompleted records one finished drain pass.
func (c *Collector) PassCompleted(span time.Duration) {
	c.passesRun.Add(1)
	c.mu.Lock()
	c.lastPassTime = time.Now()
	c.lastPassSpan = span
	c.mu.Unlock()
}

func (c *Collector) ActionSucceeded()  { c.actionsSucceeded.Add(1) }
func (c *Collector) ActionFailed()     { c.actionsFailed.Add(1) }
func (c *Collector) ActionConflicted() { c.actionsConflicted.Add(1) }
func (c *Collector) RetryScheduled()   { c.retriesScheduled.Add(1) }
func (c *Collector) Reconnected()      { c.reconnects.Add(1) }

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Counters {
	return Counters{
		PassesRun:         c.passesRun.Load(),
		ActionsSucceeded:  c.actionsSucceeded.Load(),
		ActionsFailed:     c.actionsFailed.Load(),
		ActionsConflicted: c.actionsConflicted.Load(),
		RetriesScheduled:  c.retriesScheduled.Load(),
		Reconnects:        c.reconnects.Load(),
	}
}

// LastPass returns when the most recent pass finished and how long it
// took. Zero values before the first pass.
func (c *Collector) LastPass() (time.Time, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPassTime, c.lastPassSpan
}
