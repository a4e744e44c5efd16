package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeHub is an in-process hub endpoint speaking just enough of the protocol
// to exercise the client: handshake, invocation echo, ping, close.
type fakeHub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []message
}

func newFakeHub() *fakeHub {
	return &fakeHub{}
}

func (h *fakeHub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()

		// Handshake: one frame in, empty-object frame out.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hs handshakeRequest
		if err := json.Unmarshal(splitFrames(data)[0], &hs); err != nil || hs.Protocol != "json" {
			conn.Close()
			return
		}
		resp, _ := encodeFrame(struct{}{})
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, frame := range splitFrames(data) {
				var msg message
				if err := json.Unmarshal(frame, &msg); err != nil {
					continue
				}
				h.mu.Lock()
				h.received = append(h.received, msg)
				h.mu.Unlock()
			}
		}
	}
}

// send pushes an already-encoded frame to every live connection.
func (h *fakeHub) send(t *testing.T, v any) {
	frame, err := encodeFrame(v)
	require.NoError(t, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.WriteMessage(websocket.TextMessage, frame)
	}
}

func (h *fakeHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

func (h *fakeHub) invocations() []message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]message, 0, len(h.received))
	for _, m := range h.received {
		if m.Type == typeInvocation {
			out = append(out, m)
		}
	}
	return out
}

func startHub(t *testing.T) (*fakeHub, string) {
	h := newFakeHub()
	srv := httptest.NewServer(h.handler(t))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAndInvoke(t *testing.T) {
	req := require.New(t)
	hub, url := startHub(t)

	c := NewClient(url)
	req.NoError(c.Connect(context.Background()))
	defer c.Close()
	req.Equal(StateConnected, c.State())

	req.NoError(c.Invoke(MethodSendGroupMessage, "User-1", "hello"))

	waitFor(t, func() bool { return len(hub.invocations()) == 1 }, "invocation")
	got := hub.invocations()[0]
	req.Equal(MethodSendGroupMessage, got.Target)
	req.Len(got.Arguments, 2)

	var sender, body string
	req.NoError(DecodeArgs(got.Arguments, &sender, &body))
	req.Equal("User-1", sender)
	req.Equal("hello", body)
}

func TestInvokeFailsFastWhenDown(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/meetinghub")
	require.ErrorIs(t, c.Invoke(MethodJoinMeeting, "r", "u"), ErrNotConnected)
}

func TestEventDispatchInArrivalOrder(t *testing.T) {
	req := require.New(t)
	hub, url := startHub(t)

	c := NewClient(url)
	var mu sync.Mutex
	var seen []string
	c.On(EventReceiveGroupMessage, func(args []json.RawMessage) {
		var sender, body string
		if DecodeArgs(args, &sender, &body) == nil {
			mu.Lock()
			seen = append(seen, body)
			mu.Unlock()
		}
	})
	req.NoError(c.Connect(context.Background()))
	defer c.Close()

	for _, body := range []string{"one", "two", "three"} {
		hub.send(t, message{
			Type:      typeInvocation,
			Target:    EventReceiveGroupMessage,
			Arguments: []json.RawMessage{json.RawMessage(`"User-2"`), mustRaw(t, body)},
		})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, "three events")
	mu.Lock()
	defer mu.Unlock()
	req.Equal([]string{"one", "two", "three"}, seen)
}

func TestUnknownEventIgnored(t *testing.T) {
	req := require.New(t)
	hub, url := startHub(t)

	c := NewClient(url)
	req.NoError(c.Connect(context.Background()))
	defer c.Close()

	hub.send(t, message{Type: typeInvocation, Target: "NoSuchEvent"})

	// Still healthy afterwards.
	req.NoError(c.Invoke(MethodRequestUserList, "room"))
	waitFor(t, func() bool { return len(hub.invocations()) == 1 }, "invocation after unknown event")
}

func TestPingGetsPong(t *testing.T) {
	req := require.New(t)
	hub, url := startHub(t)

	c := NewClient(url)
	req.NoError(c.Connect(context.Background()))
	defer c.Close()

	hub.send(t, message{Type: typePing})

	waitFor(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		for _, m := range hub.received {
			if m.Type == typePing {
				return true
			}
		}
		return false
	}, "pong")
}

func TestReconnectAfterDrop(t *testing.T) {
	req := require.New(t)
	hub, url := startHub(t)

	c := NewClient(url)
	reconnected := make(chan struct{}, 1)
	c.OnReconnected(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	req.NoError(c.Connect(context.Background()))
	defer c.Close()

	hub.dropAll()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}
	waitFor(t, func() bool { return c.State() == StateConnected }, "connected state")

	mu.Lock()
	defer mu.Unlock()
	req.Contains(states, StateReconnecting)
	req.Equal(StateConnected, states[len(states)-1])
}

func TestCloseStopsReconnecting(t *testing.T) {
	req := require.New(t)
	hub, url := startHub(t)

	c := NewClient(url)
	req.NoError(c.Connect(context.Background()))
	req.NoError(c.Close())

	hub.dropAll()
	time.Sleep(100 * time.Millisecond)
	req.Equal(StateDisconnected, c.State())
	req.ErrorIs(c.Invoke(MethodJoinMeeting, "r", "u"), ErrNotConnected)
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
