// Package call manages peer-to-peer video call sessions using Pion. It is
// designed to be maximally standalone — it imports only Pion libraries and
// stdlib. Coupling to the signaling transport is via the Signaler interface
// only.
package call

import "errors"

// Signaler carries SDP and ICE payloads to a remote participant. Payloads
// are opaque JSON strings; the transport does not interpret them.
type Signaler interface {
	SendOffer(to, payload string) error
	SendAnswer(to, payload string) error
	SendICECandidate(to, payload string) error
}

// State of one session's half of the call state machine.
type State string

const (
	StateNone      State = "none"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

var (
	// ErrAlreadyInCall is returned when a call is started toward a peer that
	// already has a session in any state.
	ErrAlreadyInCall = errors.New("call: already in a call with this peer")

	// ErrCallsDisabled is returned when calling has been switched off in the
	// configuration.
	ErrCallsDisabled = errors.New("call: calling is disabled")

	// ErrNoSession is returned when an operation names a peer without an
	// active session.
	ErrNoSession = errors.New("call: no session with this peer")

	// ErrNoLocalTrack is returned when a mute or camera toggle finds no
	// outgoing track of that kind, e.g. on a receive-only session.
	ErrNoLocalTrack = errors.New("call: no local track of this kind")
)

// Event describes a session state change, delivered to subscribers.
type Event struct {
	Peer  string `json:"peer"`
	State State  `json:"state"`
}

// sdpEnvelope is the JSON payload carried in offer and answer signals:
// {"type":"offer","sdp":"..."}. It matches what webrtc.SessionDescription
// marshals to, so both sides round-trip it directly.
type sdpEnvelope struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
