package session

import (
	"sync"
)

// Mirror holds the optimistic per-session counter values shown to the user
// before the backend acknowledges their events. It may diverge from the
// authoritative value until reconciliation replaces it.
type Mirror struct {
	mu     sync.RWMutex
	values map[string]int64
}

func NewMirror() *Mirror {
	return &Mirror{values: make(map[string]int64)}
}

// Add applies an optimistic delta and returns the new local value.
func (m *Mirror) Add(sessionID string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[sessionID] += delta
	return m.values[sessionID]
}

// Set replaces the local value with an authoritative one. Server wins;
// there is no merge.
func (m *Mirror) Set(sessionID string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[sessionID] = value
}

func (m *Mirror) Value(sessionID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[sessionID]
}
