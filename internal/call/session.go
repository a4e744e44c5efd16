package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Session is one call with one peer. It owns the peer connection, the
// remote-media sink and the reference on the shared local media.
type Session struct {
	peer     string // normalized key
	remoteID string // decorated identifier as seen on the wire
	sig      Signaler
	pc       *webrtc.PeerConnection
	sink     *Sink
	release  func()
	onEnd    func()

	mu      sync.Mutex
	state   State
	pending []webrtc.ICECandidateInit
	senders []senderTrack
	hung    bool
	audioOn bool
	videoOn bool
}

func newSession(peer, remoteID string, sig Signaler, state State) *Session {
	return &Session{
		peer:     peer,
		remoteID: remoteID,
		sig:      sig,
		state:    state,
		sink:     newSink(peer),
		audioOn:  true,
		videoOn:  true,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// acceptOffer applies the remote offer, produces the answer and sends it.
// The session is connected from the local point of view once the answer is
// out; media flows when ICE completes.
func (s *Session) acceptOffer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("call: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("call: set local answer: %w", err)
	}
	payload, err := json.Marshal(sdpEnvelope{Type: "answer", SDP: answer.SDP})
	if err != nil {
		return err
	}
	if err := s.sig.SendAnswer(s.remoteID, string(payload)); err != nil {
		return fmt.Errorf("call: send answer: %w", err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	return nil
}

// applyAnswer completes the outgoing half of negotiation.
func (s *Session) applyAnswer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("call: set remote answer: %w", err)
	}
	s.flushCandidates()

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	return nil
}

// addCandidate applies a trickled candidate, queueing it while the remote
// description is not yet set.
func (s *Session) addCandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.pc == nil || s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(cand)
}

// flushCandidates applies candidates queued before the remote description.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: queued candidate rejected: %v", s.peer, err)
		}
	}
}

// ToggleAudio flips the outgoing audio. Returns the new muted state.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggleOutbound(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the outgoing video. Returns the new disabled state.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggleOutbound(webrtc.RTPCodecTypeVideo)
}

// toggleOutbound pauses or resumes the outgoing track of kind by swapping it
// off the RTP sender. The sender stays negotiated, so resuming needs no new
// offer; the remote side just sees frames stop and start again.
func (s *Session) toggleOutbound(kind webrtc.RTPCodecType) (bool, error) {
	s.mu.Lock()
	var st senderTrack
	found := false
	for _, cand := range s.senders {
		if cand.kind == kind {
			st, found = cand, true
			break
		}
	}
	on := s.audioOn
	if kind == webrtc.RTPCodecTypeVideo {
		on = s.videoOn
	}
	s.mu.Unlock()
	if !found {
		return false, ErrNoLocalTrack
	}

	next := !on
	var replacement webrtc.TrackLocal
	if next {
		replacement = st.track
	}
	if err := st.sender.ReplaceTrack(replacement); err != nil {
		return !on, fmt.Errorf("call: toggle %s: %w", kind, err)
	}

	s.mu.Lock()
	if kind == webrtc.RTPCodecTypeVideo {
		s.videoOn = next
	} else {
		s.audioOn = next
	}
	s.mu.Unlock()
	log.Printf("CALL [%s]: %s off=%v", s.peer, kind, !next)
	return !next, nil
}

// handleTransportState ends the session when the transport dies. Disconnected
// is terminal here: with no hangup signal on the wire, a peer that closed its
// connection only ever shows up as a dead transport, and waiting for Failed
// would hold the shared camera for minutes.
func (s *Session) handleTransportState(state webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: transport %s", s.peer, state)
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		s.end()
	}
}

// end hangs up: idempotent, fires onEnd exactly once. The remote side
// observes the ICE transport failing; there is no hangup signal on the wire.
func (s *Session) end() {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.mu.Unlock()

	log.Printf("CALL [%s]: ended", s.peer)
	if s.onEnd != nil {
		s.onEnd()
	} else {
		s.teardown()
	}
}

// teardown closes the transport, the sink and the media reference. Safe to
// call more than once and with a partially built session.
func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateNone
	pc := s.pc
	s.pc = nil
	release := s.release
	s.release = nil
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if s.sink != nil {
		s.sink.close()
	}
	if release != nil {
		release()
	}
}
