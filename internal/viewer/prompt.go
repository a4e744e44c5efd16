package viewer

import (
	"sync"
	"time"
)

// promptTimeout bounds how long an unanswered incoming call rings before it
// is declined.
const promptTimeout = 30 * time.Second

// promptGate bridges the negotiator's synchronous confirm callback to the
// asynchronous UI: Confirm blocks the signaling goroutine until the user
// answers or the timeout declines for them.
type promptGate struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

func newPromptGate() *promptGate {
	return &promptGate{pending: make(map[string]chan bool)}
}

// Confirm rings the UI for peer and waits for the decision.
func (g *promptGate) Confirm(peer string) bool {
	ch := make(chan bool, 1)
	g.mu.Lock()
	if _, dup := g.pending[peer]; dup {
		g.mu.Unlock()
		return false
	}
	g.pending[peer] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, peer)
		g.mu.Unlock()
	}()

	select {
	case accept := <-ch:
		return accept
	case <-time.After(promptTimeout):
		return false
	}
}

// Pending lists the peers currently ringing.
func (g *promptGate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for peer := range g.pending {
		out = append(out, peer)
	}
	return out
}

// Answer resolves the prompt for peer. False when nothing was ringing.
func (g *promptGate) Answer(peer string, accept bool) bool {
	g.mu.Lock()
	ch, ok := g.pending[peer]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- accept:
		return true
	default:
		return false
	}
}
