// Package scheduler drives the action queue against the remote service
// whenever connectivity allows: single-flight drain passes, bounded
// concurrency, and aggregate progress reporting.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/monitor"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/conflict"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/queue"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/telemetry"
)

// Submitter is the remote submission collaborator. Rejections are
// classified through errors.SubmissionError; any other error is
// treated as transient.
type Submitter interface {
	Submit(ctx context.Context, entityType string, operation models.Operation, payload json.RawMessage) (json.RawMessage, error)
}

// ConnectionSource exposes the connection phase and its transitions.
// Satisfied by *monitor.Monitor.
type ConnectionSource interface {
	Phase() models.ConnectionPhase
	OnChange(l monitor.Listener) func()
}

// Config holds coordinator configuration.
type Config struct {
	BatchSize     int           // actions per dequeue, default 10
	MaxConcurrent int           // concurrent submissions across unrelated entities, default 3
	SubmitTimeout time.Duration // per-action submission timeout, default 15s
	PassDeadline  time.Duration // abandon a stalled drain pass after this, default 5m
	PollInterval  time.Duration // safety-net timer for elapsed backoff windows, default 30s
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:     10,
		MaxConcurrent: 3,
		SubmitTimeout: 15 * time.Second,
		PassDeadline:  5 * time.Minute,
		PollInterval:  30 * time.Second,
	}
}

// SyncResult aggregates the outcome of one drain pass.
type SyncResult struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
}

// Status is the caller-facing progress snapshot pushed on every state
// change.
type Status struct {
	QueuedCount     int   `json:"queued_count"`
	InFlightCount   int   `json:"in_flight_count"`
	FailedCount     int   `json:"failed_count"`
	ConflictedCount int   `json:"conflicted_count"`
	IsSyncing       bool  `json:"is_syncing"`
	LastSyncTime    int64 `json:"last_sync_time,omitempty"` // Unix milliseconds
}

// StatusListener receives status snapshots.
type StatusListener func(Status)

type passOutcome struct {
	result SyncResult
	err    error
}

// Coordinator owns the drain loop. It is the only component that moves
// actions through their submission lifecycle.
type Coordinator struct {
	queue     *queue.ActionQueue
	submitter Submitter
	resolver  *conflict.Resolver
	conn      ConnectionSource
	clock     backoff.Clock
	config    *Config
	metrics   *telemetry.Collector

	mu           sync.Mutex
	syncing      bool
	waiters      []chan passOutcome
	lastSyncTime int64
	listeners    map[int]StatusListener
	nextID       int
	prevDrain    bool

	running   bool
	stopCh    chan struct{}
	unsubConn func()
	wg        sync.WaitGroup
}

// New creates a Coordinator.
func New(q *queue.ActionQueue, submitter Submitter, resolver *conflict.Resolver, conn ConnectionSource, clock backoff.Clock, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if clock == nil {
		clock = backoff.System()
	}
	return &Coordinator{
		queue:     q,
		submitter: submitter,
		resolver:  resolver,
		conn:      conn,
		clock:     clock,
		config:    config,
		metrics:   telemetry.NewCollector(),
		listeners: make(map[int]StatusListener),
	}
}

// Metrics exposes the in-process counters.
func (c *Coordinator) Metrics() *telemetry.Collector {
	return c.metrics
}

// Start resumes the persisted queue, subscribes to connection
// transitions, and arms the periodic safety-net timer.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if err := c.queue.Load(); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.unsubConn = c.conn.OnChange(c.onConnChange)

	c.wg.Add(1)
	go c.pollLoop()

	logging.Info("Sync coordinator started", nil)
	return nil
}

// Stop halts scheduling. An in-progress pass finishes its current
// batch; its remaining actions stay pending for the next start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh := c.stopCh
	c.mu.Unlock()

	if c.unsubConn != nil {
		c.unsubConn()
		c.unsubConn = nil
	}
	close(stopCh)
	c.wg.Wait()

	logging.Info("Sync coordinator stopped", nil)
}

// ForceSync triggers an immediate drain pass and waits for its result.
// If a pass is already running the call awaits that pass instead of
// starting a second one. Fails fast when disconnected.
func (c *Coordinator) ForceSync(ctx context.Context) (SyncResult, error) {
	if c.conn.Phase() == models.ConnectionDisconnected {
		return SyncResult{}, errors.New(errors.ErrSyncOffline, "cannot sync while disconnected")
	}

	started, wait := c.beginOrAwait()
	if !started {
		select {
		case out := <-wait:
			return out.result, out.err
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}

	out := c.drain(ctx)
	c.finish(out)
	return out.result, out.err
}

// NotifyEnqueued schedules a pass for a freshly enqueued action when
// already connected.
func (c *Coordinator) NotifyEnqueued() {
	c.notify()
	if c.conn.Phase().AllowsDrain() {
		c.triggerAsync()
	}
}

// OnStatusChange registers a status listener and returns an
// unsubscribe function. The current snapshot is delivered immediately.
func (c *Coordinator) OnStatusChange(l StatusListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	l(c.Status())
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Status returns the current progress snapshot.
func (c *Coordinator) Status() Status {
	stats := c.queue.PeekStatus()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		QueuedCount:     stats.QueuedCount,
		InFlightCount:   stats.InFlightCount,
		FailedCount:     stats.FailedCount,
		ConflictedCount: stats.ConflictedCount,
		IsSyncing:       c.syncing,
		LastSyncTime:    c.lastSyncTime,
	}
}

// ClearQueue removes every pending action. In-flight submissions still
// complete; their results are discarded.
func (c *Coordinator) ClearQueue() {
	c.queue.Clear()
	c.notify()
}

// RemoveFromQueue cancels one action. For an in-flight action the
// cancellation is advisory.
func (c *Coordinator) RemoveFromQueue(id models.UUID) error {
	err := c.queue.Remove(id)
	c.notify()
	return err
}

// ApplyDecision applies a conflict resolver verdict to a conflicted
// action.
func (c *Coordinator) ApplyDecision(id models.UUID, decision conflict.Decision) error {
	var err error
	switch decision.Kind {
	case conflict.DecisionResubmit:
		err = c.queue.Requeue(id, decision.Payload)
		if err == nil && c.conn.Phase().AllowsDrain() {
			c.triggerAsync()
		}
	case conflict.DecisionAcceptRemote:
		err = c.queue.MarkSucceeded(id)
		c.resolver.Forget(id)
	case conflict.DecisionFail:
		err = c.queue.MarkFailed(id, errors.New(errors.ErrConflictUnresolved, "conflict resolution failed"), true)
		c.resolver.Forget(id)
	case conflict.DecisionDefer:
		// Stays conflicted until ResolveManual.
	}
	c.notify()
	return err
}

// =====================================================
// Drain pass
// =====================================================

// drain runs one pass: dequeue bounded batches and submit them until
// the queue is empty, connectivity drops, or the pass deadline hits.
func (c *Coordinator) drain(ctx context.Context) passOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.config.PassDeadline)
	defer cancel()

	started := c.clock.Now()
	defer func() {
		c.metrics.PassCompleted(c.clock.Now().Sub(started))
	}()

	var result SyncResult
	c.notify()

	for {
		if ctx.Err() != nil {
			logging.Warn("Drain pass abandoned at deadline", map[string]interface{}{
				"succeeded": result.Succeeded,
			})
			break
		}
		phase := c.conn.Phase()
		if !phase.AllowsDrain() {
			break
		}
		select {
		case <-c.stopChan():
			return passOutcome{result: result}
		default:
		}

		batch := c.queue.DequeueBatch(c.config.BatchSize, phase)
		if len(batch) == 0 {
			break
		}

		// Dequeued actions target distinct logical entities, so the
		// batch may be submitted concurrently up to the cap. Ordering
		// per entity is preserved across passes by the queue itself.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.config.MaxConcurrent)
		var mu sync.Mutex
		for _, action := range batch {
			action := action
			g.Go(func() error {
				outcome := c.submitOne(gctx, action)
				mu.Lock()
				switch outcome {
				case outcomeSucceeded:
					result.Succeeded++
				case outcomeFailed:
					result.Failed++
				case outcomeConflicted:
					result.Conflicted++
				}
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
		c.notify()
	}

	return passOutcome{result: result}
}

type submitOutcome int

const (
	outcomeSucceeded submitOutcome = iota
	outcomeFailed
	outcomeConflicted
	outcomeRetry
)

// submitOne submits a single action and applies the resulting state
// transition.
func (c *Coordinator) submitOne(ctx context.Context, action *models.QueuedAction) submitOutcome {
	sctx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	_, err := c.submitter.Submit(sctx, action.EntityType, action.Operation, action.Payload)
	cancel()

	if err == nil {
		c.queue.MarkSucceeded(action.ID)
		c.resolver.Forget(action.ID)
		c.metrics.ActionSucceeded()
		return outcomeSucceeded
	}

	se, ok := errors.AsSubmission(err)
	if !ok {
		// Unclassified failures retry with backoff.
		c.queue.MarkFailed(action.ID, err, false)
		return c.failureOutcome(action.ID)
	}

	switch se.Class {
	case errors.SubmissionPermanent:
		c.queue.MarkFailed(action.ID, err, true)
		c.metrics.ActionFailed()
		logging.ErrorWithCode("Action failed permanently", string(errors.ErrSubmitPermanent), err,
			map[string]interface{}{"action_id": string(action.ID), "entity_type": action.EntityType})
		return outcomeFailed

	case errors.SubmissionConflict:
		c.metrics.ActionConflicted()
		c.queue.MarkConflicted(action.ID, se.ServerState)
		decision := c.resolver.Resolve(action, se.ServerState)
		if err := c.ApplyDecision(action.ID, decision); err != nil {
			logging.Error("Failed to apply conflict decision", err,
				map[string]interface{}{"action_id": string(action.ID)})
		}
		return outcomeConflicted

	default:
		c.queue.MarkFailed(action.ID, err, false)
		return c.failureOutcome(action.ID)
	}
}

// failureOutcome distinguishes a retry-scheduled action from one whose
// attempts are exhausted.
func (c *Coordinator) failureOutcome(id models.UUID) submitOutcome {
	action, err := c.queue.Get(id)
	if err != nil || action.Status == models.ActionStatusFailed {
		c.metrics.ActionFailed()
		return outcomeFailed
	}
	c.metrics.RetryScheduled()
	return outcomeRetry
}

// =====================================================
// Scheduling triggers
// =====================================================

// onConnChange schedules a pass when the phase enters a drain-capable
// state.
func (c *Coordinator) onConnChange(state models.ConnectionState) {
	c.mu.Lock()
	prev := c.prevDrain
	c.prevDrain = state.Phase.AllowsDrain()
	now := c.prevDrain
	c.mu.Unlock()

	if now && !prev {
		c.metrics.Reconnected()
		c.triggerAsync()
	}
}

// pollLoop is the safety net for actions whose backoff window elapsed
// with no other trigger, and the repair pass for rows that missed a
// store write.
func (c *Coordinator) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan():
			return
		case <-ticker.C:
			if repaired := c.queue.Repair(); repaired > 0 {
				logging.Info("Repaired store rows", map[string]interface{}{"count": repaired})
			}
			if c.conn.Phase().AllowsDrain() && c.queue.HasEligible() {
				c.triggerAsync()
			}
		}
	}
}

// triggerAsync starts a pass in the background unless one is already
// running or nothing is eligible.
func (c *Coordinator) triggerAsync() {
	if !c.queue.HasEligible() {
		return
	}
	c.mu.Lock()
	if c.syncing || !c.running {
		c.mu.Unlock()
		return
	}
	c.syncing = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		out := c.drain(context.Background())
		c.finish(out)
	}()
}

// beginOrAwait claims the single-flight guard, or registers a waiter
// for the pass already in progress.
func (c *Coordinator) beginOrAwait() (bool, chan passOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing {
		ch := make(chan passOutcome, 1)
		c.waiters = append(c.waiters, ch)
		return false, ch
	}
	c.syncing = true
	return true, nil
}

// finish releases the single-flight guard and fans the outcome out to
// waiters.
func (c *Coordinator) finish(out passOutcome) {
	c.mu.Lock()
	c.syncing = false
	c.lastSyncTime = c.clock.Now().UnixMilli()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- out
	}
	c.notify()
}

// notify pushes the current status snapshot to every listener.
func (c *Coordinator) notify() {
	status := c.Status()
	c.mu.Lock()
	ls := make([]StatusListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(status)
	}
}

func (c *Coordinator) stopChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh == nil {
		// Never started; a nil channel blocks forever, which is the
		// behavior drain wants for a direct ForceSync.
		return nil
	}
	return c.stopCh
}
