package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of the hub client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Invoke while the connection is down.
// Callers decide whether that is user-visible (message send) or just
// logged (presence refresh).
var ErrNotConnected = errors.New("hub: not connected")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// Reconnect backoff bounds. The transport owns retry; callers only see
	// the reconnecting state and the OnReconnected hook.
	reconnectBase = 250 * time.Millisecond
	reconnectMax  = 5 * time.Second
)

// EventHandler receives the raw positional arguments of an inbound
// invocation. Handlers run on the read-loop goroutine, so dispatch order is
// exactly arrival order.
type EventHandler func(args []json.RawMessage)

// Client maintains exactly one logical connection to the meeting hub.
type Client struct {
	url    string
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	closed   bool
	handlers map[string]EventHandler

	onReconnected func()
	onState       func(State)

	writeMu sync.Mutex
}

// NewClient creates a client for the hub at url. Handlers and hooks must be
// registered before Connect.
func NewClient(url string) *Client {
	return &Client{
		url:      url,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		state:    StateDisconnected,
		handlers: make(map[string]EventHandler),
	}
}

// On registers the handler for an inbound event name. Later registrations
// for the same name replace earlier ones.
func (c *Client) On(event string, fn EventHandler) {
	c.mu.Lock()
	c.handlers[event] = fn
	c.mu.Unlock()
}

// OnReconnected registers a hook fired after every successful automatic
// reconnect, once the read loop is running again.
func (c *Client) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconnected = fn
	c.mu.Unlock()
}

// OnStateChange registers a hook fired on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// Connect dials the hub and performs the protocol handshake. On success the
// read loop starts and the state becomes connected; on failure the state
// becomes error and the caller may retry via Connect again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("hub: client closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return errors.New("hub: already connected")
	}
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateError)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readLoop(conn)
	return nil
}

// dial opens the websocket and completes the hub handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: dial %s: %w", c.url, err)
	}

	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub: handshake write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub: handshake read: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	frames := splitFrames(data)
	if len(frames) == 0 {
		conn.Close()
		return nil, errors.New("hub: empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub: handshake response: %w", err)
	}
	if resp.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("hub: handshake rejected: %s", resp.Error)
	}
	return conn, nil
}

// Invoke sends a non-blocking invocation to the hub. It fails fast with
// ErrNotConnected while the connection is down.
func (c *Client) Invoke(target string, args ...any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("hub: marshal argument %d of %s: %w", i, target, err)
		}
		rawArgs[i] = b
	}

	frame, err := encodeFrame(message{Type: typeInvocation, Target: target, Arguments: rawArgs})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("hub: invoke %s: %w", target, err)
	}
	return nil
}

// readLoop reads frames until the connection drops, then hands over to the
// reconnect loop unless the client was closed.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if closed {
				c.setState(StateDisconnected)
				return
			}
			log.Printf("HUB: connection lost: %v", err)
			c.setState(StateReconnecting)
			go c.reconnectLoop()
			return
		}
		for _, frame := range splitFrames(data) {
			c.handleFrame(conn, frame)
		}
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, frame []byte) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Printf("HUB: dropping malformed frame: %v", err)
		return
	}

	switch msg.Type {
	case typeInvocation:
		c.mu.Lock()
		fn := c.handlers[msg.Target]
		c.mu.Unlock()
		if fn == nil {
			// Unknown event names are ignored.
			return
		}
		fn(msg.Arguments)

	case typePing:
		if frame, err := encodeFrame(message{Type: typePing}); err == nil {
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
			c.writeMu.Unlock()
		}

	case typeClose:
		if msg.Error != "" {
			log.Printf("HUB: server closed connection: %s", msg.Error)
		}
		conn.Close()
	}
}

// reconnectLoop retries dial+handshake with exponential backoff until it
// succeeds or the client is closed. Every success fires OnReconnected.
func (c *Client) reconnectLoop() {
	backoff := reconnectBase
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.setState(StateDisconnected)
			return
		}
		c.mu.Unlock()

		time.Sleep(backoff)
		if backoff < reconnectMax {
			backoff *= 2
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Printf("HUB: reconnect failed: %v", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			c.setState(StateDisconnected)
			return
		}
		c.conn = conn
		fn := c.onReconnected
		c.mu.Unlock()

		c.setState(StateConnected)
		go c.readLoop(conn)
		log.Printf("HUB: reconnected to %s", c.url)
		if fn != nil {
			go fn()
		}
		return
	}
}

// Close tears the connection down for good. No reconnection is attempted
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		frame, err := encodeFrame(message{Type: typeClose})
		if err == nil {
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
			c.writeMu.Unlock()
		}
		conn.Close()
	}
	c.setState(StateDisconnected)
	return nil
}
