// Package presence tracks which participants are currently in the meeting
// room. The hub only pushes join and leave edges, so liveness is inferred
// from message traffic and periodic sentinel broadcasts, with a sweeper
// evicting peers that have gone quiet.
package presence

import (
	"sort"
	"sync"
	"time"

	"parley/internal/identity"
)

// Sentinel is the reserved group-message body used as a presence heartbeat.
// It is never displayed; receiving one only refreshes the sender's last-seen
// time.
const Sentinel = "__USER_PRESENCE__"

// Participant is one roster entry.
type Participant struct {
	// ID is the decorated identifier as last seen on the wire.
	ID string `json:"id"`
	// Self marks the local participant, which is always present.
	Self     bool      `json:"self"`
	LastSeen time.Time `json:"last_seen"`
}

// Event describes a roster change.
type Event struct {
	Type   string        `json:"type"` // "join", "leave" or "refresh"
	ID     string        `json:"id,omitempty"`
	Roster []Participant `json:"roster"`
}

// Tracker is the in-memory roster. Peers are keyed by their normalized
// identifier so device-decorated variants collapse to one entry.
type Tracker struct {
	mu        sync.Mutex
	self      Participant
	selfKey   string
	peers     map[string]Participant
	listeners []chan Event

	sweepEvery time.Duration
	timeout    time.Duration
	stopOnce   sync.Once
	stop       chan struct{}
}

// NewTracker creates a roster seeded with the local participant. sweepEvery
// must be shorter than timeout; config validation enforces that upstream.
func NewTracker(selfID string, sweepEvery, timeout time.Duration) *Tracker {
	return &Tracker{
		self:       Participant{ID: selfID, Self: true, LastSeen: time.Now()},
		selfKey:    identity.Normalize(selfID),
		peers:      map[string]Participant{},
		sweepEvery: sweepEvery,
		timeout:    timeout,
		stop:       make(chan struct{}),
	}
}

// Touch records activity from id, adding it to the roster when new. The
// local participant is never double-tracked.
func (t *Tracker) Touch(id string) {
	key := identity.Normalize(id)
	if key == "" {
		return
	}

	t.mu.Lock()
	if key == t.selfKey {
		t.self.LastSeen = time.Now()
		t.mu.Unlock()
		return
	}
	_, known := t.peers[key]
	t.peers[key] = Participant{ID: id, LastSeen: time.Now()}
	var evt Event
	if !known {
		evt = Event{Type: "join", ID: id, Roster: t.rosterLocked()}
	}
	t.mu.Unlock()

	if !known {
		t.notify(evt)
	}
}

// Remove drops id from the roster. Removing the local participant is a
// no-op: self is always in the roster.
func (t *Tracker) Remove(id string) {
	key := identity.Normalize(id)

	t.mu.Lock()
	if key == t.selfKey {
		t.mu.Unlock()
		return
	}
	_, known := t.peers[key]
	delete(t.peers, key)
	var evt Event
	if known {
		evt = Event{Type: "leave", ID: id, Roster: t.rosterLocked()}
	}
	t.mu.Unlock()

	if known {
		t.notify(evt)
	}
}

// Contains reports whether id (in any decoration) is on the roster.
func (t *Tracker) Contains(id string) bool {
	key := identity.Normalize(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if key == t.selfKey {
		return true
	}
	_, ok := t.peers[key]
	return ok
}

// PeerCount returns the number of non-local participants.
func (t *Tracker) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Roster returns the current roster, self first, peers sorted by identifier.
func (t *Tracker) Roster() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

func (t *Tracker) rosterLocked() []Participant {
	out := make([]Participant, 0, len(t.peers)+1)
	out = append(out, t.self)
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out[1:], func(i, j int) bool {
		return out[i+1].ID < out[j+1].ID
	})
	return out
}

// Reset drops every peer, keeping only self. Used when rejoining a room
// after reconnect, before the roster refresh repopulates it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.peers = map[string]Participant{}
	evt := Event{Type: "refresh", Roster: t.rosterLocked()}
	t.mu.Unlock()
	t.notify(evt)
}

// Start runs the sweeper until Stop is called.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep(time.Now().Add(-t.timeout))
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Sweep evicts peers whose last activity predates cutoff. Self is exempt.
func (t *Tracker) Sweep(cutoff time.Time) {
	t.mu.Lock()
	var evicted []string
	for key, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			evicted = append(evicted, p.ID)
			delete(t.peers, key)
		}
	}
	var evts []Event
	for _, id := range evicted {
		evts = append(evts, Event{Type: "leave", ID: id, Roster: t.rosterLocked()})
	}
	t.mu.Unlock()

	for _, evt := range evts {
		t.notify(evt)
	}
}

// Subscribe returns a channel of roster events. Slow subscribers drop
// events rather than block the tracker.
func (t *Tracker) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Tracker) notify(evt Event) {
	t.mu.Lock()
	listeners := make([]chan Event, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
