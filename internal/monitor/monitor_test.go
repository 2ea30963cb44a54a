// Package monitor provides unit tests for the connection state machine.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeHandshaker resolves handshakes on demand.
type fakeHandshaker struct {
	mu     sync.Mutex
	result error
	block  chan struct{} // when set, Handshake waits for it (or ctx)
	calls  int
}

func (h *fakeHandshaker) Handshake(ctx context.Context) error {
	h.mu.Lock()
	h.calls++
	block := h.block
	result := h.result
	h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return result
}

func (h *fakeHandshaker) setResult(err error) {
	h.mu.Lock()
	h.result = err
	h.mu.Unlock()
}

// fakeReachability is a switchable reachability collaborator.
type fakeReachability struct {
	mu        sync.Mutex
	reachable bool
	cbs       []func(bool)
}

func (r *fakeReachability) IsReachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable
}

func (r *fakeReachability) OnReachabilityChange(cb func(bool)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cbs = append(r.cbs, cb)
	return func() {}
}

func (r *fakeReachability) set(reachable bool) {
	r.mu.Lock()
	r.reachable = reachable
	cbs := append([]func(bool){}, r.cbs...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(reachable)
	}
}

// phaseRecorder collects transitions and signals arrivals.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []models.ConnectionPhase
	ch     chan models.ConnectionPhase
}

func newPhaseRecorder() *phaseRecorder {
	return &phaseRecorder{ch: make(chan models.ConnectionPhase, 32)}
}

func (r *phaseRecorder) listener(state models.ConnectionState) {
	r.mu.Lock()
	r.phases = append(r.phases, state.Phase)
	r.mu.Unlock()
	r.ch <- state.Phase
}

func (r *phaseRecorder) waitFor(t *testing.T, want models.ConnectionPhase) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s (saw %v)", want, r.snapshot())
		}
	}
}

func (r *phaseRecorder) snapshot() []models.ConnectionPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectionPhase{}, r.phases...)
}

// =====================================================
// Tests
// =====================================================

// TestInitialStateDelivered verifies listeners get the current state at
// registration time.
func TestInitialStateDelivered(t *testing.T) {
	m := New(&fakeHandshaker{}, nil, nil, nil)

	rec := newPhaseRecorder()
	unsub := m.OnChange(rec.listener)
	defer unsub()

	select {
	case got := <-rec.ch:
		if got != models.ConnectionDisconnected {
			t.Errorf("expected initial disconnected, got %s", got)
		}
	default:
		t.Fatal("expected synchronous initial delivery")
	}
}

// TestConnectHappyPath verifies disconnected -> connecting -> connected.
func TestConnectHappyPath(t *testing.T) {
	m := New(&fakeHandshaker{}, nil, nil, nil)
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Connect()
	rec.waitFor(t, models.ConnectionConnecting)
	rec.waitFor(t, models.ConnectionConnected)

	state := m.State()
	if state.LastConnectedAt == 0 {
		t.Error("expected lastConnectedAt stamped")
	}
	if state.LastError != "" {
		t.Errorf("expected lastError cleared, got %q", state.LastError)
	}
}

// TestConnectFailure verifies connecting -> disconnected on handshake
// failure with the error retained.
func TestConnectFailure(t *testing.T) {
	h := &fakeHandshaker{}
	h.setResult(fmt.Errorf("tls refused"))
	m := New(h, nil, nil, nil)
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Connect()
	rec.waitFor(t, models.ConnectionConnecting)
	rec.waitFor(t, models.ConnectionDisconnected)

	if m.State().LastError == "" {
		t.Error("expected lastError recorded")
	}
}

// TestConnectTimeout verifies the handshake deadline is enforced.
func TestConnectTimeout(t *testing.T) {
	h := &fakeHandshaker{block: make(chan struct{})}
	m := New(h, nil, nil, &Config{HandshakeTimeout: 20 * time.Millisecond})
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Connect()
	rec.waitFor(t, models.ConnectionConnecting)
	rec.waitFor(t, models.ConnectionDisconnected)
}

// TestDegradedTransitions verifies connected <-> degraded edges.
func TestDegradedTransitions(t *testing.T) {
	m := New(&fakeHandshaker{}, nil, nil, nil)
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Connect()
	rec.waitFor(t, models.ConnectionConnected)

	m.ReportSoftError(fmt.Errorf("elevated latency"))
	rec.waitFor(t, models.ConnectionDegraded)
	if !m.Phase().AllowsDrain() {
		t.Error("degraded must still allow draining")
	}

	m.ClearSoftError()
	rec.waitFor(t, models.ConnectionConnected)

	m.ReportDisconnect(fmt.Errorf("socket closed"))
	rec.waitFor(t, models.ConnectionDisconnected)
}

// TestIllegalEdgesIgnored verifies transitions outside the machine are
// dropped rather than applied.
func TestIllegalEdgesIgnored(t *testing.T) {
	m := New(&fakeHandshaker{}, nil, nil, nil)

	// Soft errors and disconnect reports mean nothing while disconnected.
	m.ReportSoftError(fmt.Errorf("noise"))
	if m.Phase() != models.ConnectionDisconnected {
		t.Errorf("disconnected -> degraded must be illegal, got %s", m.Phase())
	}
	m.ClearSoftError()
	m.ReportDisconnect(nil)
	if m.Phase() != models.ConnectionDisconnected {
		t.Errorf("expected disconnected, got %s", m.Phase())
	}
}

// TestNoDirectDisconnectedToConnected verifies every connect passes
// through connecting.
func TestNoDirectDisconnectedToConnected(t *testing.T) {
	m := New(&fakeHandshaker{}, nil, nil, nil)
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Connect()
	rec.waitFor(t, models.ConnectionConnected)

	phases := rec.snapshot()
	for i, p := range phases {
		if p == models.ConnectionConnected {
			if i == 0 || phases[i-1] != models.ConnectionConnecting {
				t.Errorf("connected not preceded by connecting: %v", phases)
			}
		}
	}
}

// TestReachabilityDrivesConnect verifies reachability gain triggers a
// connect and loss forces disconnected.
func TestReachabilityDrivesConnect(t *testing.T) {
	reach := &fakeReachability{}
	m := New(&fakeHandshaker{}, reach, nil, nil)
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Start()
	defer m.Stop()
	if m.Phase() != models.ConnectionDisconnected {
		t.Fatalf("expected disconnected while unreachable, got %s", m.Phase())
	}

	reach.set(true)
	rec.waitFor(t, models.ConnectionConnected)

	reach.set(false)
	rec.waitFor(t, models.ConnectionDisconnected)
	if m.State().LastError == "" {
		t.Error("expected lastError on reachability loss")
	}
}

// TestReconnectFromConnected verifies an explicit reconnect request is
// legal from a non-connecting state.
func TestReconnectFromConnected(t *testing.T) {
	h := &fakeHandshaker{}
	m := New(h, nil, nil, nil)
	rec := newPhaseRecorder()
	defer m.OnChange(rec.listener)()

	m.Connect()
	rec.waitFor(t, models.ConnectionConnected)

	m.Connect()
	rec.waitFor(t, models.ConnectionConnecting)
	rec.waitFor(t, models.ConnectionConnected)

	h.mu.Lock()
	calls := h.calls
	h.mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 handshakes, got %d", calls)
	}
}
