// Package hub implements a minimal client for a SignalR-style meeting hub:
// JSON messages over a single websocket, each terminated by the 0x1e record
// separator. Only the message types the meeting hub actually uses are
// implemented — handshake, non-blocking invocations, ping and close.
package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every hub protocol frame.
const recordSeparator byte = 0x1e

// Hub protocol message types (SignalR JSON hub protocol subset).
const (
	typeInvocation = 1
	typePing       = 6
	typeClose      = 7
)

// Outbound invocation targets understood by the meeting hub.
const (
	MethodJoinMeeting            = "JoinMeeting"
	MethodSendGroupMessage       = "SendGroupMessage"
	MethodSendPrivateMessage     = "SendPrivateMessage"
	MethodSendOfferToUser        = "SendOfferToUser"
	MethodSendAnswerToUser       = "SendAnswerToUser"
	MethodSendIceCandidateToUser = "SendIceCandidateToUser"
	MethodGetConnectedUsers      = "GetConnectedUsers"
	MethodRequestUserList        = "RequestUserList"
)

// Inbound event targets dispatched to registered handlers.
const (
	EventUserJoined            = "UserJoined"
	EventUserLeft              = "UserLeft"
	EventUserList              = "UserList"
	EventReceiveGroupMessage   = "ReceiveGroupMessage"
	EventReceivePrivateMessage = "ReceivePrivateMessage"
	EventReceiveOffer          = "ReceiveOffer"
	EventReceiveAnswer         = "ReceiveAnswer"
	EventReceiveIceCandidate   = "ReceiveIceCandidate"
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// message is a decoded hub frame. Arguments stay raw so each handler can
// decode its own positional types.
type message struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// encodeFrame marshals v and appends the record separator.
func encodeFrame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

// splitFrames splits one websocket message into its 0x1e-terminated frames.
// A trailing unterminated fragment is a protocol violation and is dropped.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	for {
		i := bytes.IndexByte(data, recordSeparator)
		if i < 0 {
			return frames
		}
		if i > 0 {
			frames = append(frames, data[:i])
		}
		data = data[i+1:]
	}
}

// DecodeArgs unmarshals positional invocation arguments into the given
// pointers. Extra arguments are ignored; missing ones are an error.
func DecodeArgs(args []json.RawMessage, dests ...any) error {
	if len(args) < len(dests) {
		return fmt.Errorf("hub: want %d arguments, got %d", len(dests), len(args))
	}
	for i, d := range dests {
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("hub: argument %d: %w", i, err)
		}
	}
	return nil
}
