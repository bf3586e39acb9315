// Package pushchan maintains the persistent duplex channel over which the
// scoring collaborator pushes asynchronous risk events. One logical channel
// exists per session token; unexpected closures are healed by fixed-interval
// reconnection, while an explicit disconnect never reconnects.
package pushchan

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"vigil/pkg/structlog"
)

// Well-known event types.
const (
	// EventThreatUpdate carries an asynchronous threat verdict.
	EventThreatUpdate = "threat_update"
	// EventMessage receives frames without a type discriminator.
	EventMessage = "message"
	// EventAny receives every inbound frame, for diagnostics.
	EventAny = "any"
)

// DefaultReconnectInterval is the fixed delay between reconnection attempts
// after an unexpected closure.
const DefaultReconnectInterval = 5 * time.Second

// ErrNotConnected is returned by Send while the channel is down; sends are
// best-effort and never queued.
var ErrNotConnected = errors.New("push channel not connected")

// Frame is one inbound JSON message. Data holds the payload; Type is the
// optional discriminator.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler consumes inbound frames for a subscribed event type.
type Handler func(Frame)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	event string
	id    int
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Client is the push-channel client. All methods are safe for concurrent
// use.
type Client struct {
	endpoint string // ws:// or wss:// URL without the token
	origin   string
	interval time.Duration
	log      *structlog.Logger
	dialFn   func(url string) (*websocket.Conn, error)

	mu        sync.Mutex
	state     connState
	token     string
	conn      *websocket.Conn
	explicit  bool // caller called Disconnect; suppress reconnection
	reconnect chan struct{}
	nextSubID int
	handlers  map[string]map[int]Handler
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnectInterval overrides the fixed reconnection delay.
func WithReconnectInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.interval = d }
}

// WithLogger attaches a logger.
func WithLogger(log *structlog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Client for the given websocket endpoint. The session
// token is appended as a query parameter at connect time.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		origin:   "http://localhost/",
		interval: DefaultReconnectInterval,
		log:      structlog.Nop(),
		handlers: make(map[string]map[int]Handler),
	}
	c.dialFn = func(url string) (*websocket.Conn, error) {
		return websocket.Dial(url, "", c.origin)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// On subscribes a handler to an event type and returns its Subscription.
func (c *Client) On(event string, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][c.nextSubID] = h
	return Subscription{event: event, id: c.nextSubID}
}

// Off removes a previously registered handler.
func (c *Client) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hs := c.handlers[sub.event]; hs != nil {
		delete(hs, sub.id)
	}
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect opens the channel for the given session token. Calling it again
// while already connecting or connected to the same token is a no-op; a
// different token tears down the old channel first.
func (c *Client) Connect(sessionToken string) {
	c.mu.Lock()
	if c.state != stateDisconnected && c.token == sessionToken {
		c.mu.Unlock()
		return
	}
	if c.state != stateDisconnected {
		// Token changed: retire the old channel without reconnecting it.
		c.teardownLocked()
	}
	c.token = sessionToken
	c.explicit = false
	c.state = stateConnecting
	c.mu.Unlock()

	go c.dial(sessionToken)
}

// Disconnect closes the channel and cancels any pending reconnection. It is
// safe to call at any time, including while disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	c.teardownLocked()
	c.state = stateDisconnected
	c.mu.Unlock()
}

// Send writes a JSON message, best-effort, only while connected.
func (c *Client) Send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return websocket.JSON.Send(conn, msg)
}

// teardownLocked closes the live connection and stops any reconnect loop.
// Callers hold c.mu.
func (c *Client) teardownLocked() {
	if c.reconnect != nil {
		close(c.reconnect)
		c.reconnect = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) dial(token string) {
	conn, err := c.dialFn(c.endpoint + "?token=" + token)

	c.mu.Lock()
	if c.explicit || c.token != token {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = stateDisconnected
		c.scheduleReconnectLocked(token)
		c.mu.Unlock()
		c.log.Warn("push channel dial failed", structlog.Fields{"error": err.Error()})
		return
	}
	// A successful connection cancels any pending reconnect loop.
	if c.reconnect != nil {
		close(c.reconnect)
		c.reconnect = nil
	}
	c.conn = conn
	c.state = stateConnected
	c.mu.Unlock()

	go c.readLoop(conn, token)
}

func (c *Client) readLoop(conn *websocket.Conn, token string) {
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			break
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("discarding malformed push frame", structlog.Fields{"error": err.Error()})
			continue
		}
		c.dispatch(frame)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = stateDisconnected
		if !c.explicit && c.token == token {
			c.scheduleReconnectLocked(token)
		}
	}
	c.mu.Unlock()
}

// scheduleReconnectLocked starts the fixed-interval reconnect loop unless
// one is already pending. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked(token string) {
	if c.reconnect != nil {
		return
	}
	cancel := make(chan struct{})
	c.reconnect = cancel

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				c.mu.Lock()
				stale := c.explicit || c.token != token || c.state != stateDisconnected
				if !stale {
					c.state = stateConnecting
				}
				c.mu.Unlock()
				if stale {
					return
				}
				c.dial(token)
			}
		}
	}()
}

func (c *Client) dispatch(frame Frame) {
	event := frame.Type
	if event == "" {
		event = EventMessage
	}

	c.mu.Lock()
	targets := make([]Handler, 0, 4)
	for _, h := range c.handlers[event] {
		targets = append(targets, h)
	}
	for _, h := range c.handlers[EventAny] {
		targets = append(targets, h)
	}
	c.mu.Unlock()

	for _, h := range targets {
		h(frame)
	}
}
