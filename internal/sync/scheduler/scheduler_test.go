package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/monitor"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/conflict"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/sync/queue"
)

// =====================================================
// Fakes
// =====================================================

type memStore struct {
	mu      sync.Mutex
	actions map[models.UUID]*models.QueuedAction
}

func newMemStore() *memStore {
	return &memStore{actions: make(map[models.UUID]*models.QueuedAction)}
}

func (s *memStore) InsertAction(a *models.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *memStore) UpdateAction(a *models.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *memStore) DeleteAction(id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *memStore) DeleteAllActions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make(map[models.UUID]*models.QueuedAction)
	return nil
}

func (s *memStore) ListActions() ([]*models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a.Clone())
	}
	return out, nil
}

type fakeConn struct {
	mu        sync.Mutex
	phase     models.ConnectionPhase
	nextID    int
	listeners map[int]monitor.Listener
}

func newFakeConn(phase models.ConnectionPhase) *fakeConn {
	return &fakeConn{phase: phase, listeners: make(map[int]monitor.Listener)}
}

func (c *fakeConn) Phase() models.ConnectionPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *fakeConn) OnChange(l monitor.Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	phase := c.phase
	c.mu.Unlock()

	l(models.ConnectionState{Phase: phase})
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) set(phase models.ConnectionPhase) {
	c.mu.Lock()
	c.phase = phase
	ls := make([]monitor.Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(models.ConnectionState{Phase: phase})
	}
}

// fakeSubmitter replays a scripted response per call and records every
// submission.
type fakeSubmitter struct {
	mu        sync.Mutex
	responses []error // popped per call; empty means success
	calls     []string
	block     chan struct{} // when set, every call waits on it
}

func (f *fakeSubmitter) Submit(ctx context.Context, entityType string, op models.Operation, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, errors.Transient("submission timed out", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entityType+"/"+string(op))
	if len(f.responses) == 0 {
		return json.RawMessage(`{}`), nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp == nil {
		return json.RawMessage(`{}`), nil
	}
	return nil, resp
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestCoordinator(t *testing.T, phase models.ConnectionPhase, submitter *fakeSubmitter, policy conflict.Policy) (*Coordinator, *queue.ActionQueue, *fakeConn) {
	t.Helper()
	clock := backoff.System()
	q := queue.New(newMemStore(), clock, backoff.New(time.Second, time.Minute, 0), nil)
	conn := newFakeConn(phase)
	resolver := conflict.NewResolver(policy, nil, clock)
	c := New(q, submitter, resolver, conn, clock, &Config{
		BatchSize:     10,
		MaxConcurrent: 3,
		SubmitTimeout: time.Second,
		PassDeadline:  5 * time.Second,
		// Long enough that no test drains through the safety net by
		// accident; the poll path has its own test.
		PollInterval: time.Hour,
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, q, conn
}

func enqueue(t *testing.T, q *queue.ActionQueue, entityType, key string) models.UUID {
	t.Helper()
	id, err := q.Enqueue(&models.QueuedAction{
		EntityType: entityType,
		Operation:  models.OperationUpdate,
		Payload:    json.RawMessage(`{"v":1}`),
		NaturalKey: key,
		OwnerID:    "u1",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Tests
// =====================================================

func TestForceSyncFailsFastWhenDisconnected(t *testing.T) {
	c, q, _ := newTestCoordinator(t, models.ConnectionDisconnected, &fakeSubmitter{}, conflict.PolicyRemoteWins)
	enqueue(t, q, "progress", "p1")

	_, err := c.ForceSync(context.Background())
	if !errors.Is(err, errors.ErrSyncOffline) {
		t.Fatalf("expected ErrSyncOffline, got %v", err)
	}
	if q.PeekStatus().QueuedCount != 1 {
		t.Error("queued action must survive a failed sync attempt")
	}
}

func TestForceSyncDrainsQueue(t *testing.T) {
	sub := &fakeSubmitter{}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)
	enqueue(t, q, "progress", "p1")
	enqueue(t, q, "message", "m1")

	result, err := c.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.Succeeded != 2 {
		t.Errorf("expected 2 succeeded, got %+v", result)
	}
	if stats := q.PeekStatus(); stats.QueuedCount != 0 || stats.InFlightCount != 0 {
		t.Errorf("queue not drained: %+v", stats)
	}
}

func TestForceSyncSingleFlight(t *testing.T) {
	block := make(chan struct{})
	sub := &fakeSubmitter{block: block}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)
	enqueue(t, q, "progress", "p1")

	results := make(chan SyncResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := c.ForceSync(context.Background())
			if err != nil {
				t.Errorf("ForceSync failed: %v", err)
			}
			results <- r
		}()
	}

	waitFor(t, "pass to start", func() bool { return c.Status().IsSyncing })
	close(block)

	r1, r2 := <-results, <-results
	if r1 != r2 {
		t.Errorf("concurrent callers saw different results: %+v vs %+v", r1, r2)
	}
	if sub.callCount() != 1 {
		t.Errorf("expected exactly one submission, got %d", sub.callCount())
	}
}

func TestDegradedStillDrains(t *testing.T) {
	sub := &fakeSubmitter{}
	c, q, _ := newTestCoordinator(t, models.ConnectionDegraded, sub, conflict.PolicyRemoteWins)
	enqueue(t, q, "progress", "p1")

	result, err := c.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("expected drain in degraded, got %+v", result)
	}
}

func TestPermanentFailureSurfacesImmediately(t *testing.T) {
	sub := &fakeSubmitter{responses: []error{errors.Permanent("validation rejected", nil)}}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)
	id := enqueue(t, q, "progress", "p1")

	result, err := c.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", result)
	}
	action, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if action.Status != models.ActionStatusFailed {
		t.Errorf("expected failed status, got %s", action.Status)
	}
	if sub.callCount() != 1 {
		t.Errorf("permanent failure must not retry, got %d calls", sub.callCount())
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	sub := &fakeSubmitter{responses: []error{errors.Transient("gateway timeout", nil)}}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)
	id := enqueue(t, q, "progress", "p1")

	result, err := c.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("retry-scheduled action must not count as terminal: %+v", result)
	}
	action, _ := q.Get(id)
	if action.Status != models.ActionStatusPending {
		t.Errorf("expected pending for retry, got %s", action.Status)
	}
	if action.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", action.Attempts)
	}
}

func TestConflictRemoteWinsRemovesAction(t *testing.T) {
	sub := &fakeSubmitter{responses: []error{errors.Conflict("version mismatch", json.RawMessage(`{"v":9}`))}}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)
	id := enqueue(t, q, "progress", "p1")

	result, err := c.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.Conflicted != 1 {
		t.Errorf("expected 1 conflicted, got %+v", result)
	}
	if _, err := q.Get(id); !errors.Is(err, errors.ErrActionNotFound) {
		t.Errorf("remote-wins must remove the action, got %v", err)
	}
	if sub.callCount() != 1 {
		t.Errorf("remote-wins must not resubmit, got %d calls", sub.callCount())
	}
}

func TestConflictLocalWinsResubmitsOnceThenFails(t *testing.T) {
	sub := &fakeSubmitter{responses: []error{
		errors.Conflict("version mismatch", json.RawMessage(`{"v":9}`)),
		errors.Conflict("version mismatch", json.RawMessage(`{"v":9}`)),
	}}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyLocalWins)
	id := enqueue(t, q, "progress", "p1")

	result, err := c.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if result.Conflicted != 2 {
		t.Errorf("expected both conflicts counted, got %+v", result)
	}
	if sub.callCount() != 2 {
		t.Errorf("expected exactly one resubmission, got %d calls", sub.callCount())
	}
	action, _ := q.Get(id)
	if action.Status != models.ActionStatusFailed {
		t.Errorf("second conflict must escalate to failed, got %s", action.Status)
	}
}

func TestConflictManualDefersAction(t *testing.T) {
	sub := &fakeSubmitter{responses: []error{errors.Conflict("version mismatch", json.RawMessage(`{"v":9}`))}}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyManual)
	id := enqueue(t, q, "progress", "p1")

	if _, err := c.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	action, _ := q.Get(id)
	if action.Status != models.ActionStatusConflicted {
		t.Errorf("manual policy must hold the action conflicted, got %s", action.Status)
	}
}

func TestConnectTransitionTriggersPass(t *testing.T) {
	sub := &fakeSubmitter{}
	c, q, conn := newTestCoordinator(t, models.ConnectionDisconnected, sub, conflict.PolicyRemoteWins)
	enqueue(t, q, "progress", "p1")

	conn.set(models.ConnectionConnecting)
	conn.set(models.ConnectionConnected)

	waitFor(t, "automatic drain", func() bool {
		return q.PeekStatus().QueuedCount == 0 && !c.Status().IsSyncing
	})
	if sub.callCount() != 1 {
		t.Errorf("expected 1 submission after connect, got %d", sub.callCount())
	}
}

func TestNotifyEnqueuedTriggersPassWhileConnected(t *testing.T) {
	sub := &fakeSubmitter{}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)

	enqueue(t, q, "progress", "p1")
	c.NotifyEnqueued()

	waitFor(t, "enqueue-triggered drain", func() bool {
		return q.PeekStatus().QueuedCount == 0
	})
}

func TestOnStatusChangeDeliversSnapshots(t *testing.T) {
	sub := &fakeSubmitter{}
	c, q, _ := newTestCoordinator(t, models.ConnectionConnected, sub, conflict.PolicyRemoteWins)

	var mu sync.Mutex
	var snapshots []Status
	unsub := c.OnStatusChange(func(s Status) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	})
	defer unsub()

	mu.Lock()
	if len(snapshots) != 1 {
		t.Fatalf("expected immediate snapshot, got %d", len(snapshots))
	}
	mu.Unlock()

	enqueue(t, q, "progress", "p1")
	if _, err := c.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}

	mu.Lock()
	final := snapshots[len(snapshots)-1]
	mu.Unlock()
	if final.QueuedCount != 0 || final.IsSyncing {
		t.Errorf("final snapshot should report drained idle queue: %+v", final)
	}
	if final.LastSyncTime == 0 {
		t.Error("LastSyncTime not stamped")
	}
}

func TestAdministrativePassthrough(t *testing.T) {
	sub := &fakeSubmitter{}
	c, q, _ := newTestCoordinator(t, models.ConnectionDisconnected, sub, conflict.PolicyRemoteWins)

	id := enqueue(t, q, "progress", "p1")
	enqueue(t, q, "progress", "p2")

	if err := c.RemoveFromQueue(id); err != nil {
		t.Fatalf("RemoveFromQueue failed: %v", err)
	}
	if q.PeekStatus().QueuedCount != 1 {
		t.Errorf("expected 1 queued after remove, got %d", q.PeekStatus().QueuedCount)
	}

	c.ClearQueue()
	if q.PeekStatus().QueuedCount != 0 {
		t.Errorf("expected empty queue after clear, got %d", q.PeekStatus().QueuedCount)
	}
}

func TestRestartResumesPersistedQueue(t *testing.T) {
	store := newMemStore()
	clock := backoff.System()
	q1 := queue.New(store, clock, backoff.New(time.Second, time.Minute, 0), nil)
	if err := q1.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	enqueue(t, q1, "progress", "p1")

	// A second coordinator over the same store picks the action up.
	sub := &fakeSubmitter{}
	q2 := queue.New(store, clock, backoff.New(time.Second, time.Minute, 0), nil)
	conn := newFakeConn(models.ConnectionConnected)
	resolver := conflict.NewResolver(conflict.PolicyRemoteWins, nil, clock)
	c := New(q2, sub, resolver, conn, clock, nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, "persisted action to drain", func() bool {
		return q2.PeekStatus().QueuedCount == 0
	})
	if sub.callCount() != 1 {
		t.Errorf("expected 1 submission after restart, got %d", sub.callCount())
	}
}

func TestPollLoopRetriesAfterBackoff(t *testing.T) {
	sub := &fakeSubmitter{responses: []error{errors.Transient("gateway timeout", nil)}}
	clock := backoff.System()
	q := queue.New(newMemStore(), clock, backoff.New(time.Millisecond, time.Millisecond, 0), nil)
	conn := newFakeConn(models.ConnectionConnected)
	resolver := conflict.NewResolver(conflict.PolicyRemoteWins, nil, clock)
	c := New(q, sub, resolver, conn, clock, &Config{
		BatchSize:     10,
		MaxConcurrent: 3,
		SubmitTimeout: time.Second,
		PassDeadline:  5 * time.Second,
		PollInterval:  20 * time.Millisecond,
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	enqueue(t, q, "progress", "p1")
	if _, err := c.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}

	// The transient failure left the action pending with a backoff
	// window; the periodic timer picks it up once the window elapses.
	waitFor(t, "poll-driven retry", func() bool {
		return q.PeekStatus().QueuedCount == 0
	})
	if sub.callCount() != 2 {
		t.Errorf("expected retry submission, got %d calls", sub.callCount())
	}
}
