package call

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// testSignaler delivers signals to a target negotiator on fresh goroutines,
// the way the hub does, and records the last payload of each kind.
type testSignaler struct {
	id string

	mu        sync.Mutex
	target    *Negotiator
	lastOffer string
}

func (s *testSignaler) setTarget(n *Negotiator) {
	s.mu.Lock()
	s.target = n
	s.mu.Unlock()
}

func (s *testSignaler) SendOffer(to, payload string) error {
	s.mu.Lock()
	s.lastOffer = payload
	t := s.target
	s.mu.Unlock()
	if t != nil {
		go t.HandleOffer(s.id, payload)
	}
	return nil
}

func (s *testSignaler) SendAnswer(to, payload string) error {
	s.mu.Lock()
	t := s.target
	s.mu.Unlock()
	if t != nil {
		go t.HandleAnswer(s.id, payload)
	}
	return nil
}

func (s *testSignaler) SendICECandidate(to, payload string) error {
	s.mu.Lock()
	t := s.target
	s.mu.Unlock()
	if t != nil {
		go t.HandleCandidate(s.id, payload)
	}
	return nil
}

func (s *testSignaler) offer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOffer
}

func testCfg() MediaConfig {
	return MediaConfig{VideoMaxWidth: 640, VideoMaxHeight: 480, VideoBitRate: 1_500_000}
}

// newPair wires two negotiators back to back.
func newPair(t *testing.T) (*Negotiator, *Negotiator, *testSignaler, *testSignaler) {
	t.Helper()
	sigA := &testSignaler{id: "User-1|desktop"}
	sigB := &testSignaler{id: "User-2|desktop"}
	a := New(sigA, "User-1|desktop", testCfg())
	b := New(sigB, "User-2|desktop", testCfg())
	sigA.setTarget(b)
	sigB.setTarget(a)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b, sigA, sigB
}

func waitForState(t *testing.T, n *Negotiator, peer string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.StateOf(peer) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("peer %s: state %s, want %s", peer, n.StateOf(peer), want)
}

func TestCallRoundTrip(t *testing.T) {
	req := require.New(t)
	a, b, _, _ := newPair(t)

	req.NoError(a.StartCall("User-2|desktop"))
	req.Equal(StateOutgoing, a.StateOf("User-2"))

	// The callee connects once the answer is sent, the caller once it is
	// applied. Neither needs ICE to complete.
	waitForState(t, b, "User-1", StateConnected)
	waitForState(t, a, "User-2", StateConnected)

	sink, ok := a.SinkFor("User-2|mobile")
	req.True(ok, "sink reachable via any identifier decoration")
	req.NotNil(sink)
}

func TestStartCallTwiceFails(t *testing.T) {
	req := require.New(t)
	a, _, _, _ := newPair(t)

	req.NoError(a.StartCall("User-2|desktop"))
	req.ErrorIs(a.StartCall("User-2"), ErrAlreadyInCall)
}

func TestDuplicateOfferDiscarded(t *testing.T) {
	req := require.New(t)
	a, b, sigA, _ := newPair(t)

	req.NoError(a.StartCall("User-2|desktop"))
	waitForState(t, b, "User-1", StateConnected)

	// A replayed offer from another device of the same participant loses.
	b.HandleOffer("User-1|mobile", sigA.offer())
	req.Equal(StateConnected, b.StateOf("User-1"))
	req.Len(b.Sessions(), 1)
}

func TestConfirmGateRejects(t *testing.T) {
	req := require.New(t)
	a, b, _, _ := newPair(t)

	var mu sync.Mutex
	var asked string
	b.SetConfirm(func(peer string) bool {
		mu.Lock()
		asked = peer
		mu.Unlock()
		return false
	})

	req.NoError(a.StartCall("User-2|desktop"))

	// The offer reaches B and is declined; no session appears.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := asked
		mu.Unlock()
		if got != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	req.Equal("User-1|desktop", asked)
	mu.Unlock()
	req.Empty(b.Sessions())
	req.Equal(StateOutgoing, a.StateOf("User-2"))
}

func TestEndCallDropsSession(t *testing.T) {
	req := require.New(t)
	a, b, _, _ := newPair(t)

	req.NoError(a.StartCall("User-2|desktop"))
	waitForState(t, a, "User-2", StateConnected)

	req.NoError(a.EndCall("User-2"))
	req.Equal(StateNone, a.StateOf("User-2"))
	req.Empty(a.Sessions())

	req.ErrorIs(a.EndCall("User-2"), ErrNoSession)
	_ = b
}

func TestCallsDisabled(t *testing.T) {
	req := require.New(t)
	cfg := testCfg()
	cfg.Disabled = true
	sig := &testSignaler{id: "User-9"}
	n := New(sig, "User-1", cfg)
	defer n.Close()

	req.ErrorIs(n.StartCall("User-2"), ErrCallsDisabled)
	n.HandleOffer("User-2", `{"type":"offer","sdp":"v=0"}`)
	req.Empty(n.Sessions())
}

func TestStartCallRejectsSelf(t *testing.T) {
	a, _, _, _ := newPair(t)
	require.Error(t, a.StartCall("User-1|mobile"))
}

func TestMalformedPayloadsDropped(t *testing.T) {
	req := require.New(t)
	a, _, _, _ := newPair(t)

	a.HandleOffer("User-3", "{not json")
	a.HandleAnswer("User-3", "{not json")
	a.HandleCandidate("User-3", "{not json")
	req.Empty(a.Sessions())
}

func TestStateEvents(t *testing.T) {
	req := require.New(t)
	a, b, _, _ := newPair(t)

	ch := a.Subscribe()
	defer a.Unsubscribe(ch)

	req.NoError(a.StartCall("User-2|desktop"))
	waitForState(t, b, "User-1", StateConnected)

	var states []State
	deadline := time.After(5 * time.Second)
	for len(states) < 2 {
		select {
		case evt := <-ch:
			req.Equal("User-2", evt.Peer)
			states = append(states, evt.State)
		case <-deadline:
			t.Fatalf("saw %v, want outgoing then connected", states)
		}
	}
	req.Equal([]State{StateOutgoing, StateConnected}, states)
}

func TestSetDisabledAppliesToRunningNegotiator(t *testing.T) {
	req := require.New(t)
	a, _, _, _ := newPair(t)

	a.SetDisabled(true)
	req.ErrorIs(a.StartCall("User-2|desktop"), ErrCallsDisabled)
	a.HandleOffer("User-3", `{"type":"offer","sdp":"v=0"}`)
	req.Empty(a.Sessions())

	a.SetDisabled(false)
	req.NoError(a.StartCall("User-2|desktop"))
}

func TestToggleSwapsSenderTrack(t *testing.T) {
	req := require.New(t)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	req.NoError(err)
	defer pc.Close()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "parley")
	req.NoError(err)
	sender, err := pc.AddTrack(track)
	req.NoError(err)

	sess := newSession("User-2", "User-2|desktop", &testSignaler{id: "User-1"}, StateConnected)
	sess.pc = pc
	sess.senders = []senderTrack{{kind: webrtc.RTPCodecTypeVideo, sender: sender, track: track}}

	// Off: the sender keeps its m-line but carries no track.
	off, err := sess.ToggleVideo()
	req.NoError(err)
	req.True(off)
	req.Nil(sender.Track())

	// On again: the original track is restored without renegotiation.
	off, err = sess.ToggleVideo()
	req.NoError(err)
	req.False(off)
	req.Same(track, sender.Track())

	// No audio track was captured, so the audio toggle has nothing to mute.
	_, err = sess.ToggleAudio()
	req.ErrorIs(err, ErrNoLocalTrack)
}

func TestToggleOnReceiveOnlySessionFails(t *testing.T) {
	req := require.New(t)
	a, b, _, _ := newPair(t)

	req.NoError(a.StartCall("User-2|desktop"))
	waitForState(t, b, "User-1", StateConnected)

	if _, err := a.ToggleAudio("User-2"); err != nil {
		req.ErrorIs(err, ErrNoLocalTrack)
	}
	_, err := a.ToggleAudio("User-9")
	req.ErrorIs(err, ErrNoSession)
}

func TestDeadTransportEndsSession(t *testing.T) {
	req := require.New(t)

	sess := newSession("User-2", "User-2|desktop", &testSignaler{id: "User-1"}, StateConnected)
	ends := 0
	sess.onEnd = func() {
		ends++
		sess.teardown()
	}

	sess.handleTransportState(webrtc.PeerConnectionStateConnected)
	req.Equal(0, ends)

	// A peer that hangs up never signals it; the dying transport is the only
	// notice, and Disconnected must already tear the session down.
	sess.handleTransportState(webrtc.PeerConnectionStateDisconnected)
	req.Equal(1, ends)
	req.Equal(StateNone, sess.State())

	sess.handleTransportState(webrtc.PeerConnectionStateFailed)
	req.Equal(1, ends, "end is idempotent")
}

func TestPreviewHoldsMediaReference(t *testing.T) {
	req := require.New(t)
	a, _, _, _ := newPair(t)

	req.False(a.PreviewOn())
	req.NoError(a.StartPreview())
	req.True(a.PreviewOn())
	req.NoError(a.StartPreview(), "second start is a no-op")
	req.Equal(1, a.pool.refs)

	a.StopPreview()
	req.False(a.PreviewOn())
	req.Equal(0, a.pool.refs)
	a.StopPreview() // harmless

	a.SetDisabled(true)
	req.ErrorIs(a.StartPreview(), ErrCallsDisabled)
}

func TestCloseReleasesPreview(t *testing.T) {
	req := require.New(t)
	sig := &testSignaler{id: "User-9"}
	n := New(sig, "User-1", testCfg())

	req.NoError(n.StartPreview())
	n.Close()
	req.False(n.PreviewOn())
	req.Equal(0, n.pool.refs)
}

func TestMediaPoolRefcounts(t *testing.T) {
	req := require.New(t)
	p := newMediaPool(testCfg())

	m1, err := p.acquire()
	req.NoError(err)
	m2, err := p.acquire()
	req.NoError(err)
	req.Same(m1, m2)

	p.release()
	req.NotNil(p.media)
	p.release()
	req.Nil(p.media)

	// Releasing past zero is harmless.
	p.release()
	req.Equal(0, p.refs)
}
