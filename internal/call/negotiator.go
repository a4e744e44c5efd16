package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"parley/internal/identity"
)

// Negotiator owns the per-peer call sessions and routes signaling payloads
// to them. Sessions are keyed by normalized peer identifier, so decorated
// identifier variants address the same session.
type Negotiator struct {
	sig      Signaler
	selfID   string
	cfg      MediaConfig
	pool     *mediaPool
	disabled atomic.Bool

	previewMu sync.Mutex
	previewOn bool

	mu       sync.RWMutex
	sessions map[string]*Session
	// Candidates that arrived before their session existed, e.g. trickled
	// while the incoming-call prompt was open. Drained when the session for
	// that peer is created, dropped when the offer is declined.
	early map[string][]webrtc.ICECandidateInit

	confirmMu sync.RWMutex
	confirm   func(peer string) bool

	listenMu  sync.Mutex
	listeners []chan Event

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a negotiator attached to sig.
func New(sig Signaler, selfID string, cfg MediaConfig) *Negotiator {
	n := &Negotiator{
		sig:      sig,
		selfID:   selfID,
		cfg:      cfg,
		pool:     newMediaPool(cfg),
		sessions: make(map[string]*Session),
		early:    make(map[string][]webrtc.ICECandidateInit),
		done:     make(chan struct{}),
	}
	n.disabled.Store(cfg.Disabled)
	return n
}

// SetDisabled switches calling on or off at runtime, e.g. on a config
// reload. Sessions already running are left alone.
func (n *Negotiator) SetDisabled(disabled bool) {
	n.disabled.Store(disabled)
}

// SetConfirm installs the gate consulted synchronously for every incoming
// offer from a new peer. A nil gate auto-accepts. Returning false discards
// the offer; the caller never learns a session existed.
func (n *Negotiator) SetConfirm(fn func(peer string) bool) {
	n.confirmMu.Lock()
	n.confirm = fn
	n.confirmMu.Unlock()
}

// Subscribe returns a channel of session state events.
func (n *Negotiator) Subscribe() chan Event {
	n.listenMu.Lock()
	defer n.listenMu.Unlock()
	ch := make(chan Event, 16)
	n.listeners = append(n.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (n *Negotiator) Unsubscribe(ch chan Event) {
	n.listenMu.Lock()
	defer n.listenMu.Unlock()
	for i, listener := range n.listeners {
		if listener == ch {
			close(listener)
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

func (n *Negotiator) notify(evt Event) {
	n.listenMu.Lock()
	listeners := make([]chan Event, len(n.listeners))
	copy(listeners, n.listeners)
	n.listenMu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// StartCall places an outgoing call to peer: capture local media, create the
// peer connection, send the offer. Exactly one session per peer may exist.
func (n *Negotiator) StartCall(peer string) error {
	if n.disabled.Load() {
		return ErrCallsDisabled
	}
	key := identity.Normalize(peer)
	if key == "" || key == identity.Normalize(n.selfID) {
		return fmt.Errorf("call: cannot call %q", peer)
	}

	n.mu.Lock()
	if _, exists := n.sessions[key]; exists {
		n.mu.Unlock()
		return ErrAlreadyInCall
	}
	// Reserve the slot before the slow media setup so a racing offer from
	// the same peer sees the session and backs off.
	sess := newSession(key, peer, n.sig, StateOutgoing)
	n.sessions[key] = sess
	n.mu.Unlock()

	if err := n.attachTransport(sess); err != nil {
		n.dropSession(key)
		return err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		n.dropSession(key)
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		n.dropSession(key)
		return fmt.Errorf("call: set local offer: %w", err)
	}
	payload, err := json.Marshal(sdpEnvelope{Type: "offer", SDP: offer.SDP})
	if err != nil {
		n.dropSession(key)
		return err
	}
	if err := n.sig.SendOffer(peer, string(payload)); err != nil {
		n.dropSession(key)
		return fmt.Errorf("call: send offer: %w", err)
	}

	log.Printf("CALL: outgoing → %s", peer)
	n.notify(Event{Peer: key, State: StateOutgoing})
	return nil
}

// HandleOffer processes an inbound offer. For a peer that already has a
// session the first session wins and the duplicate offer is discarded.
func (n *Negotiator) HandleOffer(from, payload string) {
	if n.disabled.Load() {
		return
	}
	key := identity.Normalize(from)

	n.mu.RLock()
	_, exists := n.sessions[key]
	n.mu.RUnlock()
	if exists {
		log.Printf("CALL: duplicate offer from %s discarded (session exists)", from)
		return
	}

	var env sdpEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.SDP == "" {
		log.Printf("CALL: malformed offer from %s dropped", from)
		return
	}

	n.confirmMu.RLock()
	confirm := n.confirm
	n.confirmMu.RUnlock()
	if confirm != nil && !confirm(from) {
		log.Printf("CALL: incoming from %s declined", from)
		n.mu.Lock()
		delete(n.early, key)
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	if _, exists := n.sessions[key]; exists {
		// A call to this peer was placed while the confirm gate was open.
		n.mu.Unlock()
		log.Printf("CALL: offer from %s lost the race, discarded", from)
		return
	}
	sess := newSession(key, from, n.sig, StateIncoming)
	n.sessions[key] = sess
	n.mu.Unlock()
	n.notify(Event{Peer: key, State: StateIncoming})

	if err := n.attachTransport(sess); err != nil {
		log.Printf("CALL: incoming from %s failed: %v", from, err)
		n.dropSession(key)
		return
	}
	if err := sess.acceptOffer(env.SDP); err != nil {
		log.Printf("CALL: answer to %s failed: %v", from, err)
		n.dropSession(key)
		return
	}
	n.drainEarly(key, sess)

	log.Printf("CALL: connected with %s (answered)", from)
	n.notify(Event{Peer: key, State: StateConnected})
}

// HandleAnswer applies an inbound answer to the matching outgoing session.
func (n *Negotiator) HandleAnswer(from, payload string) {
	key := identity.Normalize(from)
	n.mu.RLock()
	sess, ok := n.sessions[key]
	n.mu.RUnlock()
	if !ok || sess.State() != StateOutgoing {
		log.Printf("CALL: unexpected answer from %s dropped", from)
		return
	}

	var env sdpEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.SDP == "" {
		log.Printf("CALL: malformed answer from %s dropped", from)
		return
	}
	if err := sess.applyAnswer(env.SDP); err != nil {
		log.Printf("CALL: applying answer from %s failed: %v", from, err)
		n.dropSession(key)
		return
	}

	log.Printf("CALL: connected with %s (answer applied)", from)
	n.notify(Event{Peer: key, State: StateConnected})
}

// HandleCandidate routes an inbound ICE candidate to the matching session.
// Candidates arriving before the remote description are queued there.
func (n *Negotiator) HandleCandidate(from, payload string) {
	key := identity.Normalize(from)
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &cand); err != nil {
		log.Printf("CALL: malformed candidate from %s dropped", from)
		return
	}

	n.mu.Lock()
	sess, ok := n.sessions[key]
	if !ok {
		if len(n.early[key]) < 32 {
			n.early[key] = append(n.early[key], cand)
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := sess.addCandidate(cand); err != nil {
		log.Printf("CALL: candidate from %s rejected: %v", from, err)
	}
}

// drainEarly replays candidates buffered before the session existed.
func (n *Negotiator) drainEarly(key string, sess *Session) {
	n.mu.Lock()
	buffered := n.early[key]
	delete(n.early, key)
	n.mu.Unlock()
	for _, cand := range buffered {
		if err := sess.addCandidate(cand); err != nil {
			log.Printf("CALL [%s]: buffered candidate rejected: %v", key, err)
		}
	}
}

// EndCall hangs up the session with peer, if any.
func (n *Negotiator) EndCall(peer string) error {
	key := identity.Normalize(peer)
	n.mu.RLock()
	sess, ok := n.sessions[key]
	n.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	sess.end()
	return nil
}

// StateOf returns the session state for peer, StateNone when absent.
func (n *Negotiator) StateOf(peer string) State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if sess, ok := n.sessions[identity.Normalize(peer)]; ok {
		return sess.State()
	}
	return StateNone
}

// Sessions returns the peers with active sessions and their states.
func (n *Negotiator) Sessions() map[string]State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]State, len(n.sessions))
	for key, sess := range n.sessions {
		out[key] = sess.State()
	}
	return out
}

// SinkFor returns the remote-media sink of the session with peer. The
// viewer's media socket streams from it.
func (n *Negotiator) SinkFor(peer string) (*Sink, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sess, ok := n.sessions[identity.Normalize(peer)]
	if !ok {
		return nil, false
	}
	return sess.sink, true
}

// ToggleAudio flips the local audio of the session with peer. Returns the
// new muted state.
func (n *Negotiator) ToggleAudio(peer string) (bool, error) {
	n.mu.RLock()
	sess, ok := n.sessions[identity.Normalize(peer)]
	n.mu.RUnlock()
	if !ok {
		return false, ErrNoSession
	}
	return sess.ToggleAudio()
}

// ToggleVideo flips the local video of the session with peer. Returns the
// new disabled state.
func (n *Negotiator) ToggleVideo(peer string) (bool, error) {
	n.mu.RLock()
	sess, ok := n.sessions[identity.Normalize(peer)]
	n.mu.RUnlock()
	if !ok {
		return false, ErrNoSession
	}
	return sess.ToggleVideo()
}

// SelfSink returns the local self-preview sink while capture is open.
func (n *Negotiator) SelfSink() (*Sink, bool) {
	s := n.pool.selfSink()
	return s, s != nil
}

// StartPreview opens local capture outside any call by taking a user-held
// reference on the shared media, so the self view streams before a call is
// placed. Idempotent.
func (n *Negotiator) StartPreview() error {
	if n.disabled.Load() {
		return ErrCallsDisabled
	}
	n.previewMu.Lock()
	defer n.previewMu.Unlock()
	if n.previewOn {
		return nil
	}
	if _, err := n.pool.acquire(); err != nil {
		return err
	}
	n.previewOn = true
	log.Printf("CALL: local preview started")
	return nil
}

// StopPreview drops the preview's media reference. The devices close once no
// call holds one either.
func (n *Negotiator) StopPreview() {
	n.previewMu.Lock()
	defer n.previewMu.Unlock()
	if !n.previewOn {
		return
	}
	n.previewOn = false
	n.pool.release()
	log.Printf("CALL: local preview stopped")
}

// PreviewOn reports whether the standalone preview holds capture open.
func (n *Negotiator) PreviewOn() bool {
	n.previewMu.Lock()
	defer n.previewMu.Unlock()
	return n.previewOn
}

// Close hangs up every session and stops the negotiator.
func (n *Negotiator) Close() {
	n.doneOnce.Do(func() { close(n.done) })
	n.StopPreview()

	n.mu.Lock()
	sessions := n.sessions
	n.sessions = make(map[string]*Session)
	n.mu.Unlock()

	for _, sess := range sessions {
		sess.end()
	}
}

// attachTransport builds the peer connection for sess, wires trickle ICE,
// remote track handling and teardown, and attaches shared local media.
func (n *Negotiator) attachTransport(sess *Session) error {
	media, err := n.pool.acquire()
	if err != nil {
		return err
	}

	pc, err := media.newPeerConnection(n.cfg)
	if err != nil {
		n.pool.release()
		return err
	}
	senders := media.attach(sess.peer, pc)
	sess.mu.Lock()
	sess.pc = pc
	sess.release = n.pool.release
	sess.senders = senders
	sess.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := n.sig.SendICECandidate(sess.remoteID, string(b)); err != nil {
			log.Printf("CALL: sending candidate to %s: %v", sess.remoteID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		sess.consumeRemoteTrack(track)
	})

	pc.OnConnectionStateChange(sess.handleTransportState)

	sess.onEnd = func() {
		n.dropSession(sess.peer)
	}
	return nil
}

// dropSession removes and tears down the session for key, if present.
func (n *Negotiator) dropSession(key string) {
	n.mu.Lock()
	sess, ok := n.sessions[key]
	delete(n.sessions, key)
	n.mu.Unlock()
	if !ok {
		return
	}
	sess.teardown()
	n.notify(Event{Peer: key, State: StateNone})
}
