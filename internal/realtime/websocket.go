package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AlencarRonaldo/app-treino-sub001/internal/errors"
	"github.com/AlencarRonaldo/app-treino-sub001/internal/logging"
)

// Envelope wraps all frames on the push channel.
type Envelope struct {
	Type      string          `json:"type"` // subscribe, unsubscribe, publish, event, ping, pong
	Topic     string          `json:"topic,omitempty"`
	Filter    string          `json:"filter,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSConfig holds websocket transport configuration.
type WSConfig struct {
	URL          string
	WriteTimeout time.Duration // default 10s
	PongWait     time.Duration // default 60s
	PingInterval time.Duration // default 30s
	SendBuffer   int           // default 256
}

// DefaultWSConfig returns the default websocket configuration.
func DefaultWSConfig(url string) *WSConfig {
	return &WSConfig{
		URL:          url,
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   256,
	}
}

// WSTransport is a websocket client implementing the push-channel
// collaborator. It also satisfies monitor.Handshaker: the connection
// monitor drives the dial, and the transport reports drops back
// through OnDrop.
type WSTransport struct {
	config *WSConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	channels map[channelKey]*wsChannel
	onDrop   func(error)
}

// NewWSTransport creates a websocket transport. Handshake must succeed
// before Open or SendEphemeral are usable.
func NewWSTransport(config *WSConfig) *WSTransport {
	if config == nil {
		config = DefaultWSConfig("")
	}
	return &WSTransport{
		config:   config,
		channels: make(map[channelKey]*wsChannel),
	}
}

// OnDrop registers the callback invoked when the connection is lost.
// The engine wires this to the connection monitor.
func (t *WSTransport) OnDrop(cb func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDrop = cb
}

// Handshake dials the server and starts the read and write pumps.
func (t *WSTransport) Handshake(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, nil)
	if err != nil {
		return errors.Wrap(errors.ErrHandshakeFailed, "websocket dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, t.config.SendBuffer)
	t.done = make(chan struct{})
	send, done := t.send, t.done
	t.mu.Unlock()

	go t.writePump(conn, send, done)
	go t.readPump(conn)
	return nil
}

// Close tears down the connection. Open channels report closed on
// their next use.
func (t *WSTransport) Close() error {
	conn, _ := t.teardown(nil)
	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.config.WriteTimeout))
	return conn.Close()
}

// Open subscribes to a (topic, filter) stream on the server and
// returns a channel handle routing its events.
func (t *WSTransport) Open(topic, filter string) (Channel, error) {
	key := channelKey{topic: topic, filter: filter}

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil, errors.New(errors.ErrChannelClosed, "transport is not connected")
	}
	ch := &wsChannel{transport: t, key: key}
	t.channels[key] = ch
	t.mu.Unlock()

	if err := t.write(&Envelope{Type: "subscribe", Topic: topic, Filter: filter}); err != nil {
		t.mu.Lock()
		delete(t.channels, key)
		t.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// SendEphemeral publishes a fire-and-forget message to a topic.
func (t *WSTransport) SendEphemeral(topic, event string, payload json.RawMessage) error {
	return t.write(&Envelope{Type: "publish", Topic: topic, Event: event, Data: payload})
}

func (t *WSTransport) write(env *Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	frame, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to marshal frame", err)
	}

	t.mu.Lock()
	send, done := t.send, t.done
	t.mu.Unlock()
	if send == nil {
		return errors.New(errors.ErrChannelClosed, "transport is not connected")
	}
	select {
	case send <- frame:
		return nil
	case <-done:
		return errors.New(errors.ErrChannelClosed, "transport is not connected")
	default:
		return errors.New(errors.ErrChannelClosed, "send buffer full")
	}
}

// readPump reads frames until the connection drops, routing event
// frames to their channel.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	defer t.drop(conn)

	conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logging.Warn("Invalid frame on push channel", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if env.Type != "event" {
			continue
		}

		t.mu.Lock()
		ch := t.channels[channelKey{topic: env.Topic, filter: env.Filter}]
		t.mu.Unlock()
		if ch != nil {
			ch.deliver(Event{
				Topic:     env.Topic,
				Kind:      env.Event,
				Payload:   env.Data,
				Timestamp: env.Timestamp,
			})
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (t *WSTransport) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// drop tears down state after a connection loss and notifies the
// monitor exactly once per connection.
func (t *WSTransport) drop(conn *websocket.Conn) {
	current, onDrop := t.teardown(conn)
	conn.Close()
	if current != nil && onDrop != nil {
		onDrop(errors.New(errors.ErrChannelClosed, "push channel dropped"))
	}
}

// teardown clears connection state and returns the previous connection
// and drop callback. When expect is non-nil the teardown only applies
// if that connection is still current, so a stale pump cannot destroy
// a newer connection.
func (t *WSTransport) teardown(expect *websocket.Conn) (*websocket.Conn, func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.conn
	if conn == nil || (expect != nil && conn != expect) {
		return nil, nil
	}
	t.conn = nil
	close(t.done)
	t.send = nil
	t.done = nil
	t.channels = make(map[channelKey]*wsChannel)
	return conn, t.onDrop
}

// wsChannel routes events for one (topic, filter) stream.
type wsChannel struct {
	transport *WSTransport
	key       channelKey

	mu sync.Mutex
	cb func(Event)
}

func (c *wsChannel) OnEvent(cb func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *wsChannel) deliver(ev Event) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Close detaches the channel and tells the server to stop the stream.
func (c *wsChannel) Close() error {
	t := c.transport
	t.mu.Lock()
	if t.channels[c.key] == c {
		delete(t.channels, c.key)
	}
	connected := t.conn != nil
	t.mu.Unlock()

	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return t.write(&Envelope{Type: "unsubscribe", Topic: c.key.topic, Filter: c.key.filter})
}
