package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/internal/call"
	"parley/internal/config"
	"parley/internal/hub"
	"parley/internal/presence"
)

// fakeHubClient satisfies HubClient in-process: invocations are recorded
// and inbound events are injected with fire.
type fakeHubClient struct {
	mu            sync.Mutex
	handlers      map[string]hub.EventHandler
	invoked       []invocation
	state         hub.State
	connectErr    error
	connectCalls  int
	onReconnected func()
	onState       func(hub.State)
}

type invocation struct {
	target string
	args   []any
}

func newFakeHubClient() *fakeHubClient {
	return &fakeHubClient{handlers: map[string]hub.EventHandler{}}
}

func (f *fakeHubClient) On(event string, fn hub.EventHandler) {
	f.mu.Lock()
	f.handlers[event] = fn
	f.mu.Unlock()
}

func (f *fakeHubClient) OnReconnected(fn func()) { f.onReconnected = fn }

func (f *fakeHubClient) OnStateChange(fn func(hub.State)) { f.onState = fn }

func (f *fakeHubClient) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		f.state = hub.StateError
		return f.connectErr
	}
	f.state = hub.StateConnected
	return nil
}

func (f *fakeHubClient) Invoke(target string, args ...any) error {
	f.mu.Lock()
	f.invoked = append(f.invoked, invocation{target, args})
	f.mu.Unlock()
	return nil
}

func (f *fakeHubClient) State() hub.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeHubClient) Close() error { return nil }

// fire injects an inbound hub event as the read loop would.
func (f *fakeHubClient) fire(t *testing.T, event string, args ...any) {
	t.Helper()
	f.mu.Lock()
	fn := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, fn, "no handler for %s", event)

	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		raw[i] = b
	}
	fn(raw)
}

func (f *fakeHubClient) calls(target string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, inv := range f.invoked {
		if inv.target == target {
			out = append(out, inv)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeHubClient) {
	t.Helper()
	cfg := config.Default()
	cfg.Call.Disabled = true // no media capture in tests
	client := newFakeHubClient()
	s := New(&cfg, "User-1|desktop", client)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, client
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

func TestStartJoinsRoom(t *testing.T) {
	req := require.New(t)
	_, client := newTestSession(t)

	joins := client.calls(hub.MethodJoinMeeting)
	req.Len(joins, 1)
	req.Equal([]any{"test-meeting", "User-1|desktop"}, joins[0].args)

	// The re-announcement burst follows the join.
	waitFor(t, func() bool {
		return len(client.calls(hub.MethodSendGroupMessage)) > 0
	}, "presence burst")
}

func TestGroupMessageEntersTranscriptAndRoster(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	client.fire(t, hub.EventReceiveGroupMessage, "hello all", "User-2|mobile")

	snap := s.Snapshot()
	req.Len(snap.Transcript, 1)
	req.Equal("hello all", snap.Transcript[0].Body)
	req.Len(snap.Roster, 2)
}

func TestSentinelTouchesPresenceWithoutTranscript(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	client.fire(t, hub.EventReceiveGroupMessage, presence.Sentinel, "User-2")

	snap := s.Snapshot()
	req.Empty(snap.Transcript)
	req.Len(snap.Roster, 2, "sentinel must still count as liveness")
}

func TestSendGroupDoesNotAppendLocally(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	req.NoError(s.SendGroup("hi"))
	req.Empty(s.Snapshot().Transcript, "hub echo provides our own copy")

	sends := client.calls(hub.MethodSendGroupMessage)
	var found bool
	for _, inv := range sends {
		if len(inv.args) == 3 && inv.args[1] == "hi" {
			req.Equal([]any{"test-meeting", "hi", "User-1|desktop"}, inv.args)
			found = true
		}
	}
	req.True(found)

	req.Error(s.SendGroup(""))
	req.Error(s.SendGroup(presence.Sentinel))
}

func TestSendPrivateAppendsLocally(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	req.ErrorIs(s.SendPrivate("User-2", "hi"), ErrPeerNotPresent)

	client.fire(t, hub.EventUserJoined, "User-2|mobile")
	req.NoError(s.SendPrivate("User-2", "hi"))

	sends := client.calls(hub.MethodSendPrivateMessage)
	req.Len(sends, 1)
	req.Equal([]any{"User-2", "hi", "User-1|desktop"}, sends[0].args)

	req.NoError(s.SelectPeer("User-2"))
	snap := s.Snapshot()
	req.Len(snap.Transcript, 1)
	req.Equal("hi", snap.Transcript[0].Body)
}

func TestPrivateMessageFromWire(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	client.fire(t, hub.EventReceivePrivateMessage, "psst", "User-2|mobile")

	req.NoError(s.SelectPeer("User-2"))
	snap := s.Snapshot()
	req.Equal(ModePrivate, snap.Mode)
	req.Len(snap.Transcript, 1)
	req.Equal("psst", snap.Transcript[0].Body)

	// The group view does not leak it.
	s.SelectGroup()
	req.Empty(s.Snapshot().Transcript)
}

func TestSelectPeerRules(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	req.ErrorIs(s.SelectPeer("User-9"), ErrPeerNotPresent)
	req.Error(s.SelectPeer("User-1|mobile"), "self is not selectable")

	client.fire(t, hub.EventUserJoined, "User-2")
	req.NoError(s.SelectPeer("User-2"))
	req.Equal(ModePrivate, s.Snapshot().Mode)
}

func TestEvictionForcesGroupMode(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	client.fire(t, hub.EventUserJoined, "User-2")
	req.NoError(s.SelectPeer("User-2"))

	client.fire(t, hub.EventUserLeft, "User-2")

	waitFor(t, func() bool { return s.Snapshot().Mode == ModeGroup }, "forced group mode")
	snap := s.Snapshot()
	req.Empty(snap.SelectedPeer)
	// The forced switch leaves a notice.
	req.NotEmpty(snap.Transcript)
}

func TestUserListPopulatesRoster(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	client.fire(t, hub.EventUserList, []string{"User-1|desktop", "User-2", "User-3"})

	snap := s.Snapshot()
	req.Len(snap.Roster, 3, "self is not duplicated")
}

func TestStartConnectFailureIsNotRetried(t *testing.T) {
	req := require.New(t)

	cfg := config.Default()
	cfg.Call.Disabled = true
	client := newFakeHubClient()
	client.connectErr = errors.New("connection refused")

	s := New(&cfg, "User-1|desktop", client)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Close()
	})

	req.Error(s.Start(ctx))
	req.Equal(1, client.connectCalls, "one attempt, then the error state")
	req.Empty(client.calls(hub.MethodJoinMeeting))
	req.Equal(hub.StateError, client.State())

	// The manual retry is the only way back.
	client.mu.Lock()
	client.connectErr = nil
	client.mu.Unlock()
	req.NoError(s.Reconnect())
	req.Len(client.calls(hub.MethodJoinMeeting), 1)
}

func TestPreviewFollowsCallsDisabled(t *testing.T) {
	req := require.New(t)
	s, _ := newTestSession(t)

	req.ErrorIs(s.StartPreview(), call.ErrCallsDisabled)
	req.False(s.Snapshot().Preview)

	s.Calls().SetDisabled(false)
	req.NoError(s.StartPreview())
	req.True(s.Snapshot().Preview)
	s.StopPreview()
	req.False(s.Snapshot().Preview)
}

func TestReconnectResetsAndRejoins(t *testing.T) {
	req := require.New(t)
	s, client := newTestSession(t)

	client.fire(t, hub.EventUserJoined, "User-2")
	req.Len(s.Snapshot().Roster, 2)

	client.onReconnected()

	waitFor(t, func() bool {
		return len(client.calls(hub.MethodJoinMeeting)) == 2
	}, "rejoin")
	req.Len(s.Snapshot().Roster, 1, "stale roster cleared until rediscovery")
}
