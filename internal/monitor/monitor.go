// Package monitor tracks reachability and the push-channel connection
// state machine, independent of the queue. It owns the process-wide
// ConnectionState; every other component observes it through listeners.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/backoff"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
)

// Handshaker performs the transport handshake when the monitor moves
// from connecting to connected.
type Handshaker interface {
	Handshake(ctx context.Context) error
}

// Reachability is the platform reachability collaborator.
type Reachability interface {
	IsReachable() bool
	// OnReachabilityChange registers a callback and returns an
	// unsubscribe func.
	OnReachabilityChange(cb func(reachable bool)) func()
}

// Listener receives every phase transition, and the current state once
// at registration time.
type Listener func(state models.ConnectionState)

// Config holds monitor configuration.
type Config struct {
	HandshakeTimeout time.Duration // default 10s
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{HandshakeTimeout: 10 * time.Second}
}

// Monitor is the connection state machine. Only the monitor mutates the
// phase; transitions outside the defined edges are ignored.
type Monitor struct {
	mu         sync.Mutex
	state      models.ConnectionState
	listeners  map[int]Listener
	nextID     int
	handshaker Handshaker
	reach      Reachability
	clock      backoff.Clock
	config     *Config

	running         bool
	attempt         int // connect attempt counter, invalidates stale handshakes
	cancelHandshake context.CancelFunc
	unsubReach      func()
	wg              sync.WaitGroup
}

// New creates a Monitor in the disconnected phase.
func New(handshaker Handshaker, reach Reachability, clock backoff.Clock, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = backoff.System()
	}
	return &Monitor{
		state:      models.ConnectionState{Phase: models.ConnectionDisconnected},
		listeners:  make(map[int]Listener),
		handshaker: handshaker,
		reach:      reach,
		clock:      clock,
		config:     config,
	}
}

// Start begins observing reachability and attempts an initial connect
// if the network is already reachable. Called on app foreground.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	if m.reach != nil {
		m.unsubReach = m.reach.OnReachabilityChange(m.onReachability)
		if m.reach.IsReachable() {
			m.Connect()
		}
	} else {
		m.Connect()
	}
}

// Stop tears the monitor down and moves to disconnected. Called on app
// background.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.attempt++ // invalidate any handshake in flight
	if m.cancelHandshake != nil {
		m.cancelHandshake()
		m.cancelHandshake = nil
	}
	unsub := m.unsubReach
	m.unsubReach = nil
	m.transitionLocked(models.ConnectionDisconnected, "")
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.wg.Wait()
}

// State returns a snapshot of the current connection state.
func (m *Monitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current connection phase.
func (m *Monitor) Phase() models.ConnectionPhase {
	return m.State().Phase
}

// OnChange registers a listener and returns an unsubscribe func. The
// listener is invoked synchronously with the current state before
// OnChange returns, so no first transition is ever missed.
func (m *Monitor) OnChange(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	state := m.state
	m.mu.Unlock()

	l(state)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Connect requests a (re)connect. Legal from every phase except an
// already-running connecting attempt. The handshake runs asynchronously
// with the configured timeout.
func (m *Monitor) Connect() {
	m.mu.Lock()
	if !m.running && m.reach != nil {
		// Explicit Connect before Start is allowed for manual retry UIs.
		m.running = true
	}
	if m.state.Phase == models.ConnectionConnecting {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	m.transitionLocked(models.ConnectionConnecting, "")

	ctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout)
	m.cancelHandshake = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		var err error
		if m.handshaker != nil {
			err = m.handshaker.Handshake(ctx)
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.attempt != attempt || m.state.Phase != models.ConnectionConnecting {
			// A newer attempt or a Stop superseded this handshake.
			return
		}
		if err != nil {
			msg := errors.Wrap(errors.ErrHandshakeFailed, "transport handshake failed", err).Error()
			if ctx.Err() == context.DeadlineExceeded {
				msg = errors.New(errors.ErrHandshakeTimeout, "transport handshake timed out").Error()
			}
			m.transitionLocked(models.ConnectionDisconnected, msg)
			return
		}
		m.transitionLocked(models.ConnectionConnected, "")
	}()
}

// ReportSoftError moves connected to degraded: the transport is up but
// freshness cannot be guaranteed (elevated latency, expiring auth).
func (m *Monitor) ReportSoftError(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != models.ConnectionConnected {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.transitionLocked(models.ConnectionDegraded, msg)
}

// ClearSoftError moves degraded back to connected.
func (m *Monitor) ClearSoftError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != models.ConnectionDegraded {
		return
	}
	m.transitionLocked(models.ConnectionConnected, "")
}

// ReportDisconnect records a transport close or reachability loss.
func (m *Monitor) ReportDisconnect(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Phase {
	case models.ConnectionConnected, models.ConnectionDegraded:
	default:
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.transitionLocked(models.ConnectionDisconnected, msg)
}

// onReachability reacts to platform reachability changes.
func (m *Monitor) onReachability(reachable bool) {
	if reachable {
		m.mu.Lock()
		phase := m.state.Phase
		m.mu.Unlock()
		if phase == models.ConnectionDisconnected {
			m.Connect()
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Phase {
	case models.ConnectionConnected, models.ConnectionDegraded, models.ConnectionConnecting:
		m.attempt++ // abandon any handshake in flight
		if m.cancelHandshake != nil {
			m.cancelHandshake()
			m.cancelHandshake = nil
		}
		m.transitionLocked(models.ConnectionDisconnected,
			errors.New(errors.ErrUnreachable, "network unreachable").Error())
	}
}

// transitionLocked applies a phase change and notifies listeners
// synchronously. Callers hold m.mu; listeners are invoked without it to
// keep re-entrant monitor calls legal.
func (m *Monitor) transitionLocked(phase models.ConnectionPhase, lastError string) {
	if m.state.Phase == phase {
		return
	}

	from := m.state.Phase
	m.state.Phase = phase
	if phase == models.ConnectionConnected {
		m.state.LastConnectedAt = m.clock.Now().UnixMilli()
		m.state.LastError = ""
	} else if lastError != "" {
		m.state.LastError = lastError
	}

	state := m.state
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}

	logging.Info("Connection phase changed", map[string]interface{}{
		"from": string(from),
		"to":   string(phase),
	})

	m.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
	m.mu.Lock()
}
