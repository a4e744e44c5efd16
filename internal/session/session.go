// Package session wires the hub client, presence tracker, transcript and
// call negotiator into the single state machine the viewer talks to.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"parley/internal/call"
	"parley/internal/chat"
	"parley/internal/config"
	"parley/internal/hub"
	"parley/internal/identity"
	"parley/internal/presence"
)

// Mode selects which conversation the transcript view shows.
type Mode string

const (
	ModeGroup   Mode = "group"
	ModePrivate Mode = "private"
)

// ErrPeerNotPresent is returned when a private conversation or call is
// requested with someone who is not on the roster.
var ErrPeerNotPresent = errors.New("session: peer is not in the meeting")

// HubClient is the slice of the hub transport the session uses.
type HubClient interface {
	On(event string, fn hub.EventHandler)
	OnReconnected(fn func())
	OnStateChange(fn func(hub.State))
	Connect(ctx context.Context) error
	Invoke(target string, args ...any) error
	State() hub.State
	Close() error
}

// Session is the per-process meeting membership: one hub connection, one
// roster, one transcript, one call negotiator.
type Session struct {
	cfg    *config.Config
	selfID string

	client     HubClient
	tracker    *presence.Tracker
	refresher  *presence.Refresher
	transcript *chat.Log
	calls      *call.Negotiator

	mu       sync.Mutex
	mode     Mode
	selected string // normalized peer id in private mode

	listenMu  sync.Mutex
	listeners []chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// hubSignaler adapts the hub client to the call package's Signaler. The hub
// relay wants (target, payload, sender) positional arguments.
type hubSignaler struct {
	c    HubClient
	self string
}

func (s hubSignaler) SendOffer(to, payload string) error {
	return s.c.Invoke(hub.MethodSendOfferToUser, to, payload, s.self)
}

func (s hubSignaler) SendAnswer(to, payload string) error {
	return s.c.Invoke(hub.MethodSendAnswerToUser, to, payload, s.self)
}

func (s hubSignaler) SendICECandidate(to, payload string) error {
	return s.c.Invoke(hub.MethodSendIceCandidateToUser, to, payload, s.self)
}

// New assembles a session around client. Call Start to go online.
func New(cfg *config.Config, selfID string, client HubClient) *Session {
	s := &Session{
		cfg:        cfg,
		selfID:     selfID,
		client:     client,
		tracker:    presence.NewTracker(selfID, cfg.Presence.Sweep(), cfg.Presence.Timeout()),
		transcript: chat.NewLog(),
		mode:       ModeGroup,
	}
	s.refresher = presence.NewRefresher(client, s.tracker, cfg.Hub.Room, selfID)
	s.calls = call.New(hubSignaler{client, selfID}, selfID, call.MediaConfig{
		Disabled:       cfg.Call.Disabled,
		STUNURLs:       cfg.Call.STUNURLs,
		VideoMaxWidth:  cfg.Call.VideoMaxWidth,
		VideoMaxHeight: cfg.Call.VideoMaxHeight,
		VideoBitRate:   cfg.Call.VideoBitRate,
	})

	s.registerHandlers()
	client.OnStateChange(func(st hub.State) {
		log.Printf("HUB: state %s", st)
		s.notify()
	})
	client.OnReconnected(s.onReconnected)
	return s
}

// Calls exposes the negotiator, for the viewer's call routes.
func (s *Session) Calls() *call.Negotiator { return s.calls }

// SelfID returns the local decorated identifier.
func (s *Session) SelfID() string { return s.selfID }

// Start brings the session up and makes one connect attempt. A failed
// connect leaves the hub client in the error state and is returned to the
// caller; only Reconnect retries it. Drops after a successful connect are
// the transport's to retry.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.tracker.Start()
	go s.watchRoster(s.tracker.Subscribe())
	go s.refresher.Heartbeat(s.ctx, s.cfg.Presence.Sweep())

	if err := s.client.Connect(s.ctx); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	s.joinRoom()
	return nil
}

// joinRoom announces membership and discovers who else is there.
func (s *Session) joinRoom() {
	if err := s.client.Invoke(hub.MethodJoinMeeting, s.cfg.Hub.Room, s.selfID); err != nil {
		log.Printf("HUB: join %s: %v", s.cfg.Hub.Room, err)
	}
	go s.refresher.Burst(s.ctx, s.cfg.Presence.Burst())
	go s.refresher.Refresh(s.ctx)
}

// Reconnect re-dials after a failed connect. Drops after a successful
// connect are retried automatically by the transport; this is the manual
// affordance for the error state.
func (s *Session) Reconnect() error {
	if s.ctx == nil {
		return errors.New("session: not started")
	}
	if err := s.client.Connect(s.ctx); err != nil {
		return err
	}
	s.joinRoom()
	s.notify()
	return nil
}

// onReconnected runs after every automatic reconnect: the roster is stale,
// so reset it, rejoin and rediscover.
func (s *Session) onReconnected() {
	log.Printf("HUB: rejoining %s after reconnect", s.cfg.Hub.Room)
	s.tracker.Reset()
	s.joinRoom()
	s.notify()
}

// registerHandlers builds the inbound dispatch table. Every message doubles
// as a liveness signal for its sender.
func (s *Session) registerHandlers() {
	s.client.On(hub.EventUserJoined, func(args []json.RawMessage) {
		var user string
		if err := hub.DecodeArgs(args, &user); err != nil {
			return
		}
		s.tracker.Touch(user)
	})

	s.client.On(hub.EventUserLeft, func(args []json.RawMessage) {
		var user string
		if err := hub.DecodeArgs(args, &user); err != nil {
			return
		}
		s.tracker.Remove(user)
	})

	s.client.On(hub.EventUserList, func(args []json.RawMessage) {
		var users []string
		if err := hub.DecodeArgs(args, &users); err != nil {
			return
		}
		for _, u := range users {
			s.tracker.Touch(u)
		}
	})

	s.client.On(hub.EventReceiveGroupMessage, func(args []json.RawMessage) {
		var body, user string
		if err := hub.DecodeArgs(args, &body, &user); err != nil {
			return
		}
		s.tracker.Touch(user)
		// The transcript drops sentinels itself; everything else shows up,
		// including our own broadcast echoed by the hub.
		s.transcript.Append(chat.NewGroup(user, body))
		s.notify()
	})

	s.client.On(hub.EventReceivePrivateMessage, func(args []json.RawMessage) {
		var body, from string
		if err := hub.DecodeArgs(args, &body, &from); err != nil {
			return
		}
		s.tracker.Touch(from)
		s.transcript.Append(chat.NewPrivate(from, s.selfID, body))
		s.notify()
	})

	s.client.On(hub.EventReceiveOffer, func(args []json.RawMessage) {
		var payload, from string
		if err := hub.DecodeArgs(args, &payload, &from); err != nil {
			return
		}
		s.tracker.Touch(from)
		// HandleOffer can block on the incoming-call prompt; the read loop
		// must keep dispatching, so offers leave it. Candidates that race
		// ahead are buffered by the negotiator.
		go func() {
			s.calls.HandleOffer(from, payload)
			s.notify()
		}()
	})

	s.client.On(hub.EventReceiveAnswer, func(args []json.RawMessage) {
		var payload, from string
		if err := hub.DecodeArgs(args, &payload, &from); err != nil {
			return
		}
		s.tracker.Touch(from)
		s.calls.HandleAnswer(from, payload)
		s.notify()
	})

	s.client.On(hub.EventReceiveIceCandidate, func(args []json.RawMessage) {
		var payload, from string
		if err := hub.DecodeArgs(args, &payload, &from); err != nil {
			return
		}
		s.tracker.Touch(from)
		s.calls.HandleCandidate(from, payload)
	})
}

// watchRoster reacts to roster changes: an evicted peer that is the current
// private conversation forces the view back to the group, with a notice.
func (s *Session) watchRoster(ch chan presence.Event) {
	defer s.tracker.Unsubscribe(ch)
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type == "leave" {
				s.mu.Lock()
				forced := s.mode == ModePrivate && identity.Normalize(evt.ID) == s.selected
				if forced {
					s.mode = ModeGroup
					s.selected = ""
				}
				s.mu.Unlock()
				if forced {
					s.transcript.Append(chat.NewSystem(
						fmt.Sprintf("%s left the meeting, back to everyone", identity.Normalize(evt.ID))))
				}
			}
			s.notify()
		}
	}
}

// SendGroup broadcasts a message to the room. The hub echoes it back to
// every member including us, so nothing is appended locally.
func (s *Session) SendGroup(body string) error {
	if body == "" || body == presence.Sentinel {
		return fmt.Errorf("session: refusing to send reserved or empty message")
	}
	return s.client.Invoke(hub.MethodSendGroupMessage, s.cfg.Hub.Room, body, s.selfID)
}

// SendPrivate sends a direct message. The hub delivers it only to the
// recipient, so our own copy is appended locally.
func (s *Session) SendPrivate(to, body string) error {
	if body == "" || body == presence.Sentinel {
		return fmt.Errorf("session: refusing to send reserved or empty message")
	}
	if !s.tracker.Contains(to) {
		return ErrPeerNotPresent
	}
	if err := s.client.Invoke(hub.MethodSendPrivateMessage, to, body, s.selfID); err != nil {
		return err
	}
	s.transcript.Append(chat.NewPrivate(s.selfID, to, body))
	s.notify()
	return nil
}

// SelectPeer switches the transcript view to the private conversation with
// peer, who must be on the roster.
func (s *Session) SelectPeer(peer string) error {
	key := identity.Normalize(peer)
	if key == identity.Normalize(s.selfID) {
		return fmt.Errorf("session: cannot select self")
	}
	if !s.tracker.Contains(peer) {
		return ErrPeerNotPresent
	}
	s.mu.Lock()
	s.mode = ModePrivate
	s.selected = key
	s.mu.Unlock()
	s.notify()
	return nil
}

// SelectGroup switches the transcript view back to the whole room.
func (s *Session) SelectGroup() {
	s.mu.Lock()
	s.mode = ModeGroup
	s.selected = ""
	s.mu.Unlock()
	s.notify()
}

// StartCall places a call to a roster peer.
func (s *Session) StartCall(peer string) error {
	if !s.tracker.Contains(peer) {
		return ErrPeerNotPresent
	}
	err := s.calls.StartCall(peer)
	if err == nil {
		s.notify()
	}
	return err
}

// StartPreview opens the local camera preview outside any call.
func (s *Session) StartPreview() error {
	err := s.calls.StartPreview()
	if err == nil {
		s.notify()
	}
	return err
}

// StopPreview closes the standalone preview.
func (s *Session) StopPreview() {
	s.calls.StopPreview()
	s.notify()
}

// EndCall hangs up the call with peer.
func (s *Session) EndCall(peer string) error {
	err := s.calls.EndCall(peer)
	if err == nil {
		s.transcript.Append(chat.NewSystem(
			fmt.Sprintf("call with %s ended", identity.Normalize(peer))))
		s.notify()
	}
	return err
}

// Subscribe returns a channel that ticks whenever the snapshot changed.
func (s *Session) Subscribe() chan struct{} {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	ch := make(chan struct{}, 1)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Session) Unsubscribe(ch chan struct{}) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) notify() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close leaves the meeting and releases everything.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.calls.Close()
	s.tracker.Stop()
	s.transcript.Close()
	return s.client.Close()
}
