package presence

import (
	"context"
	"log"
	"time"

	"parley/internal/hub"
)

// Invoker is the slice of the hub client the refresher needs.
type Invoker interface {
	Invoke(target string, args ...any) error
}

// Refresher repopulates the roster after a (re)connect. Hubs differ in which
// roster query they expose, so it walks an ordered list of strategies and
// stops at the first one that produces a non-local participant within the
// observation window. An empty room makes every strategy "fail", which is
// fine: there is nobody to discover.
type Refresher struct {
	inv     Invoker
	tracker *Tracker
	room    string
	userID  string

	// Window is how long each strategy gets to show results.
	Window time.Duration
}

// NewRefresher wires a refresher to the given transport and roster.
func NewRefresher(inv Invoker, tracker *Tracker, room, userID string) *Refresher {
	return &Refresher{
		inv:     inv,
		tracker: tracker,
		room:    room,
		userID:  userID,
		Window:  2 * time.Second,
	}
}

// strategy names pair log output with the invocation to attempt.
type strategy struct {
	name string
	run  func() error
}

func (r *Refresher) strategies() []strategy {
	return []strategy{
		{"get-connected-users", func() error {
			return r.inv.Invoke(hub.MethodGetConnectedUsers, r.room)
		}},
		{"request-user-list", func() error {
			return r.inv.Invoke(hub.MethodRequestUserList, r.room, r.userID)
		}},
		{"sentinel-broadcast", func() error {
			return r.inv.Invoke(hub.MethodSendGroupMessage, r.room, Sentinel, r.userID)
		}},
	}
}

// Refresh walks the strategies in order. It returns once a strategy
// succeeds, the list is exhausted, or ctx is done.
func (r *Refresher) Refresh(ctx context.Context) {
	for _, s := range r.strategies() {
		if err := s.run(); err != nil {
			log.Printf("HUB: roster strategy %s: %v", s.name, err)
			continue
		}
		if r.observe(ctx) {
			log.Printf("HUB: roster refreshed via %s", s.name)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	log.Printf("HUB: roster refresh found no peers (room may be empty)")
}

// observe waits up to Window for the roster to gain a non-local entry.
func (r *Refresher) observe(ctx context.Context) bool {
	deadline := time.NewTimer(r.Window)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if r.tracker.PeerCount() > 0 {
				return true
			}
		case <-deadline.C:
			return r.tracker.PeerCount() > 0
		case <-ctx.Done():
			return r.tracker.PeerCount() > 0
		}
	}
}

// Burst fires a short series of sentinel broadcasts. Run after rejoining a
// room so peers that missed the join edge still learn we are back.
func (r *Refresher) Burst(ctx context.Context, delays []time.Duration) {
	start := time.Now()
	for _, d := range delays {
		wait := time.Until(start.Add(d))
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
		if err := r.inv.Invoke(hub.MethodSendGroupMessage, r.room, Sentinel, r.userID); err != nil {
			log.Printf("HUB: presence burst: %v", err)
		}
	}
}

// Heartbeat broadcasts a sentinel every interval until ctx is done. This is
// what keeps idle participants visible to everyone else's sweeper.
func (r *Refresher) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.inv.Invoke(hub.MethodSendGroupMessage, r.room, Sentinel, r.userID); err != nil {
				log.Printf("HUB: presence heartbeat: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
