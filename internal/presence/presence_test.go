package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/internal/hub"
)

func newTestTracker() *Tracker {
	return NewTracker("User-1|desktop", 30*time.Second, 120*time.Second)
}

func TestSelfAlwaysInRoster(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()

	roster := tr.Roster()
	req.Len(roster, 1)
	req.True(roster[0].Self)
	req.Equal("User-1|desktop", roster[0].ID)

	// Neither remove nor sweep may evict self.
	tr.Remove("User-1|desktop")
	tr.Remove("User-1")
	tr.Sweep(time.Now().Add(time.Hour))
	req.Len(tr.Roster(), 1)
	req.True(tr.Contains("User-1"))
}

func TestTouchAddsAndCollapsesDecorations(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()

	tr.Touch("User-2|mobile")
	tr.Touch("User-2")
	req.Equal(1, tr.PeerCount())
	req.True(tr.Contains("User-2|desktop"))

	// Touching self never creates a peer entry.
	tr.Touch("User-1")
	req.Equal(1, tr.PeerCount())
}

func TestSweepEvictsStalePeers(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()

	tr.Touch("User-2")
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	tr.Touch("User-3")

	tr.Sweep(cutoff)
	req.False(tr.Contains("User-2"))
	req.True(tr.Contains("User-3"))
}

func TestSubscribeSeesJoinAndLeave(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()
	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	tr.Touch("User-2")
	evt := <-ch
	req.Equal("join", evt.Type)
	req.Equal("User-2", evt.ID)
	req.Len(evt.Roster, 2)

	// A repeat touch is not a join.
	tr.Touch("User-2")
	tr.Remove("User-2")
	evt = <-ch
	req.Equal("leave", evt.Type)
	req.Len(evt.Roster, 1)
}

func TestResetKeepsOnlySelf(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()
	tr.Touch("User-2")
	tr.Touch("User-3")

	tr.Reset()
	req.Equal(0, tr.PeerCount())
	req.True(tr.Contains("User-1"))
}

// recordingInvoker captures invocations and optionally populates the roster
// to simulate a hub answering a given strategy.
type recordingInvoker struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]func()
}

func (r *recordingInvoker) Invoke(target string, args ...any) error {
	r.mu.Lock()
	r.calls = append(r.calls, target)
	fn := r.answers[target]
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (r *recordingInvoker) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestRefreshStopsAtFirstWorkingStrategy(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()
	inv := &recordingInvoker{answers: map[string]func(){
		hub.MethodGetConnectedUsers: func() { tr.Touch("User-2") },
	}}

	r := NewRefresher(inv, tr, "standup", "User-1|desktop")
	r.Window = 200 * time.Millisecond
	r.Refresh(context.Background())

	req.Equal([]string{hub.MethodGetConnectedUsers}, inv.called())
	req.True(tr.Contains("User-2"))
}

func TestRefreshFallsThroughToSentinel(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()
	inv := &recordingInvoker{answers: map[string]func(){
		hub.MethodSendGroupMessage: func() { tr.Touch("User-9") },
	}}

	r := NewRefresher(inv, tr, "standup", "User-1|desktop")
	r.Window = 100 * time.Millisecond
	r.Refresh(context.Background())

	req.Equal([]string{
		hub.MethodGetConnectedUsers,
		hub.MethodRequestUserList,
		hub.MethodSendGroupMessage,
	}, inv.called())
}

func TestRefreshExhaustsStrategiesInEmptyRoom(t *testing.T) {
	tr := newTestTracker()
	inv := &recordingInvoker{}

	r := NewRefresher(inv, tr, "standup", "User-1|desktop")
	r.Window = 50 * time.Millisecond
	r.Refresh(context.Background())

	require.Len(t, inv.called(), 3)
}

func TestBurstSendsSentinels(t *testing.T) {
	req := require.New(t)
	tr := newTestTracker()
	inv := &recordingInvoker{}

	r := NewRefresher(inv, tr, "standup", "User-1|desktop")
	r.Burst(context.Background(), []time.Duration{0, 10 * time.Millisecond})

	calls := inv.called()
	req.Len(calls, 2)
	for _, c := range calls {
		req.Equal(hub.MethodSendGroupMessage, c)
	}
}
