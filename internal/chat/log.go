package chat

import (
	"sync"

	"parley/internal/identity"
	"parley/internal/presence"
)

// Log is the in-memory transcript. It grows for the life of the session;
// nothing is evicted.
type Log struct {
	mu        sync.Mutex
	entries   []*Entry
	listeners []chan *Entry
}

// NewLog creates an empty transcript.
func NewLog() *Log {
	return &Log{}
}

// Append stores an entry and notifies listeners. Presence sentinels are
// transport noise, not conversation, and are dropped here so no view can
// ever show one.
func (l *Log) Append(e *Entry) {
	if e == nil || e.Body == presence.Sentinel {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	for _, listener := range l.listeners {
		select {
		case listener <- e:
		default:
		}
	}
	l.mu.Unlock()
}

// All returns the full transcript in order.
func (l *Log) All() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// GroupView returns group messages plus system notices, the transcript shown
// in "everyone" mode.
func (l *Log) GroupView() []*Entry {
	all := l.All()
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if e.Kind == KindGroup || e.Kind == KindSystem {
			out = append(out, e)
		}
	}
	return out
}

// PrivateView returns the two-way private conversation between selfID and
// peer. System notices belong to the group view and are suppressed here.
// Identifiers are compared normalized, so a message addressed to a decorated
// variant still lands in the conversation.
func (l *Log) PrivateView(selfID, peer string) []*Entry {
	self := identity.Normalize(selfID)
	other := identity.Normalize(peer)

	all := l.All()
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if e.Kind != KindPrivate {
			continue
		}
		from := identity.Normalize(e.Sender)
		to := identity.Normalize(e.Recipient)
		if (from == self && to == other) || (from == other && to == self) {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel receiving every appended entry. Slow
// listeners drop entries rather than block Append.
func (l *Log) Subscribe() chan *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan *Entry, 16)
	l.listeners = append(l.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (l *Log) Unsubscribe(ch chan *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

// Close closes all listener channels.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, listener := range l.listeners {
		close(listener)
	}
	l.listeners = nil
	return nil
}
