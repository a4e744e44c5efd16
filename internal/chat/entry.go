// Package chat keeps the local transcript of a meeting: group messages,
// private messages and locally generated system notices. The transcript is
// append-only; the group and per-peer conversations are views over it.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a transcript entry.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
	// KindSystem marks local notices (peer evicted, call ended). They are
	// never sent to the hub.
	KindSystem Kind = "system"
)

// Entry is one transcript line.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"` // private entries only
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// NewGroup creates a group entry.
func NewGroup(sender, body string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Kind:      KindGroup,
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now(),
	}
}

// NewPrivate creates a private entry between sender and recipient.
func NewPrivate(sender, recipient, body string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Kind:      KindPrivate,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Timestamp: time.Now(),
	}
}

// NewSystem creates a local notice.
func NewSystem(body string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Kind:      KindSystem,
		Body:      body,
		Timestamp: time.Now(),
	}
}
