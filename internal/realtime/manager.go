// Package realtime multiplexes live server-push subscriptions over the
// connection and routes inbound change events to registered consumers.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/models"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/monitor"
)

// Event is one inbound change notification from a push channel.
type Event struct {
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Handler consumes events for one subscription.
type Handler func(Event)

// Channel is an open push stream for one (topic, filter) pair.
type Channel interface {
	OnEvent(cb func(Event))
	Close() error
}

// Transport opens push channels and sends ephemeral messages. The
// concrete implementation is an external collaborator.
type Transport interface {
	Open(topic, filter string) (Channel, error)
	SendEphemeral(topic, event string, payload json.RawMessage) error
}

// ConnectionSource exposes connection phase transitions. Satisfied by
// *monitor.Monitor.
type ConnectionSource interface {
	OnChange(l monitor.Listener) func()
}

type channelKey struct {
	topic  string
	filter string
}

// sharedChannel is one transport channel reference-counted across all
// subscriptions requesting the same (topic, filter).
type sharedChannel struct {
	key   channelKey
	ch    Channel
	refs  int
	stale bool
	// gen invalidates event callbacks from a channel that has since
	// been closed and reopened.
	gen uint64
}

type subscription struct {
	id      string
	key     channelKey
	handler Handler
}

// Manager owns the subscription registry and the shared channel
// lifecycle.
type Manager struct {
	mu        sync.Mutex
	transport Transport
	conn      ConnectionSource

	subs     map[string]*subscription
	channels map[channelKey]*sharedChannel
	phase    models.ConnectionPhase
	unsub    func()
	running  bool
	gen      uint64
}

// NewManager creates a subscription manager bound to a transport and a
// connection monitor.
func NewManager(transport Transport, conn ConnectionSource) *Manager {
	return &Manager{
		transport: transport,
		conn:      conn,
		subs:      make(map[string]*subscription),
		channels:  make(map[channelKey]*sharedChannel),
		phase:     models.ConnectionDisconnected,
	}
}

// Start begins tracking connection transitions. The monitor delivers
// the current phase synchronously at registration.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.unsub = m.conn.OnChange(m.onConnChange)
}

// Stop detaches from the monitor and closes every open channel.
// Subscriptions stay registered and reattach on the next Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsub := m.unsub
	m.unsub = nil
	closing := m.detachAllLocked()
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, ch := range closing {
		ch.Close()
	}
}

// Subscribe registers interest in a topic. Re-registering an existing
// id atomically replaces the previous subscription; the old handler is
// detached before the new one attaches, so no event reaches both. The
// returned function unsubscribes and closes the underlying channel when
// no other subscription needs it.
func (m *Manager) Subscribe(id, topic, filter string, handler Handler) (func(), error) {
	if id == "" {
		return nil, errors.New(errors.ErrInvalid, "subscription id is required")
	}
	if topic == "" {
		return nil, errors.New(errors.ErrInvalid, "subscription topic is required")
	}
	if handler == nil {
		return nil, errors.New(errors.ErrInvalid, "subscription handler is required")
	}
	key := channelKey{topic: topic, filter: filter}

	sub := &subscription{id: id, key: key, handler: handler}

	m.mu.Lock()
	var closing Channel
	prev, replaced := m.subs[id]
	m.subs[id] = sub
	switch {
	case replaced && prev.key == key:
		// Same stream, new handler: the refcount stays untouched so
		// the channel does not bounce closed and back open.
	case replaced:
		closing = m.releaseLocked(prev.key)
		m.acquireLocked(key)
	default:
		m.acquireLocked(key)
	}
	m.mu.Unlock()

	if closing != nil {
		closing.Close()
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			// A replacement under the same id owns its own refcount;
			// a stale token must not touch it.
			if m.subs[id] != sub {
				m.mu.Unlock()
				return
			}
			delete(m.subs, id)
			closing := m.releaseLocked(key)
			m.mu.Unlock()
			if closing != nil {
				closing.Close()
			}
		})
	}
	return unsubscribe, nil
}

// Publish sends an ephemeral message to current listeners of a topic.
// It is not persisted and not retried; when no channel to the topic is
// open the message is dropped with an error.
func (m *Manager) Publish(topic, event string, payload json.RawMessage) error {
	m.mu.Lock()
	open := false
	for key, ch := range m.channels {
		if key.topic == topic && ch.ch != nil && !ch.stale {
			open = true
			break
		}
	}
	phase := m.phase
	m.mu.Unlock()

	if !open || !phase.AllowsDrain() {
		return errors.New(errors.ErrChannelClosed, "no open channel for topic: "+topic)
	}
	if err := m.transport.SendEphemeral(topic, event, payload); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, "ephemeral send failed", err)
	}
	return nil
}

// Fresh reports whether delivery is currently timely. In the degraded
// phase channels remain open but freshness is not guaranteed.
func (m *Manager) Fresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == models.ConnectionConnected
}

// ActiveSubscriptions returns a snapshot of the registry for status
// surfaces.
func (m *Manager) ActiveSubscriptions() []models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		active := false
		if ch, ok := m.channels[sub.key]; ok {
			active = ch.ch != nil && !ch.stale
		}
		out = append(out, models.Subscription{
			ID:          sub.id,
			Topic:       sub.key.topic,
			EventFilter: sub.key.filter,
			IsActive:    active,
		})
	}
	return out
}

// acquireLocked bumps the refcount for a key, opening the channel on
// the 0 -> 1 transition when the connection permits.
func (m *Manager) acquireLocked(key channelKey) {
	ch, ok := m.channels[key]
	if !ok {
		ch = &sharedChannel{key: key}
		m.channels[key] = ch
	}
	ch.refs++
	if ch.refs == 1 && m.phase.AllowsDrain() {
		m.openLocked(ch)
	}
}

// releaseLocked drops one reference and returns the channel to close
// outside the lock on the 1 -> 0 transition.
func (m *Manager) releaseLocked(key channelKey) Channel {
	ch, ok := m.channels[key]
	if !ok {
		return nil
	}
	ch.refs--
	if ch.refs > 0 {
		return nil
	}
	delete(m.channels, key)
	ch.gen = 0
	closing := ch.ch
	ch.ch = nil
	return closing
}

// openLocked opens the transport channel for a shared entry and wires
// event fan-out. Failures leave the entry stale for the next reconnect.
func (m *Manager) openLocked(sc *sharedChannel) {
	ch, err := m.transport.Open(sc.key.topic, sc.key.filter)
	if err != nil {
		sc.stale = true
		logging.Warn("Failed to open push channel", map[string]interface{}{
			"topic":  sc.key.topic,
			"filter": sc.key.filter,
			"error":  err.Error(),
		})
		return
	}
	m.gen++
	gen := m.gen
	sc.ch = ch
	sc.stale = false
	sc.gen = gen
	key := sc.key

	ch.OnEvent(func(ev Event) {
		m.dispatch(key, gen, ev)
	})
}

// dispatch routes one inbound event to every subscription sharing the
// channel. Events from superseded channel generations are dropped so a
// reopen never double-delivers.
func (m *Manager) dispatch(key channelKey, gen uint64, ev Event) {
	m.mu.Lock()
	sc, ok := m.channels[key]
	if !ok || sc.gen != gen {
		m.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.key == key {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	for _, h := range handlers {
		h(ev)
	}
}

// onConnChange reacts to monitor transitions: connecting marks every
// channel stale, connected reopens the ones that still have
// subscribers.
func (m *Manager) onConnChange(state models.ConnectionState) {
	m.mu.Lock()
	m.phase = state.Phase

	var closing []Channel
	switch state.Phase {
	case models.ConnectionConnecting, models.ConnectionDisconnected:
		closing = m.detachAllLocked()
	case models.ConnectionConnected:
		for _, sc := range m.channels {
			if sc.refs > 0 && sc.ch == nil {
				m.openLocked(sc)
			}
		}
	}
	m.mu.Unlock()

	for _, ch := range closing {
		ch.Close()
	}
}

// detachAllLocked marks every channel stale and returns the transport
// handles to close outside the lock.
func (m *Manager) detachAllLocked() []Channel {
	var closing []Channel
	for _, sc := range m.channels {
		if sc.ch != nil {
			closing = append(closing, sc.ch)
			sc.ch = nil
		}
		sc.gen = 0
		sc.stale = true
	}
	return closing
}
