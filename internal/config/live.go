package config

import "sync"

// LiveValues is the subset of the configuration that applies while the
// process runs. Everything else (hub url, room, data dir, listen address)
// needs a restart.
type LiveValues struct {
	AutoAcceptCalls bool
	Theme           string
}

// Live hands LiveValues between the reload watcher and its readers. The
// watcher swaps the whole set on every reload; readers take a copy.
type Live struct {
	mu sync.RWMutex
	v  LiveValues
}

// NewLive seeds the live values from a loaded configuration.
func NewLive(cfg Config) *Live {
	return &Live{v: LiveValues{
		AutoAcceptCalls: cfg.Viewer.AutoAcceptCalls,
		Theme:           cfg.Viewer.Theme,
	}}
}

// Get returns the current values.
func (l *Live) Get() LiveValues {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v
}

// Set replaces the current values.
func (l *Live) Set(v LiveValues) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
}
