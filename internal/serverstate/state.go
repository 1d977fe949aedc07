// Package serverstate tracks the broker's lifecycle status (not_ready, ready,
// draining) so health checks and the bridge endpoint agree on it.
package serverstate

import (
	"sync"
	"sync/atomic"
)

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State is stored as a unit so readers never see a status and draining flag
// from different updates.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists State.
type Store interface {
	Load() State
	Store(State)
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a process-local Store starting at not_ready.
func NewMemoryStore() Store {
	m := &memoryStore{}
	m.v.Store(State{Status: StatusNotReady})
	return m
}

func (m *memoryStore) Load() State {
	if s, ok := m.v.Load().(State); ok {
		return s
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// Tracker serializes transitions over a Store.
type Tracker struct {
	mu    sync.Mutex
	store Store
}

// New returns a Tracker over s; nil selects a memory store.
func New(s Store) *Tracker {
	if s == nil {
		s = NewMemoryStore()
	}
	return &Tracker{store: s}
}

// Get returns the current state.
func (t *Tracker) Get() State { return t.store.Load() }

// Status returns the current status string.
func (t *Tracker) Status() string { return t.store.Load().Status }

// SetStatus changes the status. Once draining, the tracker stays draining.
func (t *Tracker) SetStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.store.Load()
	if cur.Draining {
		return
	}
	t.store.Store(State{Status: status})
}

// Reset clears a drain left behind by a previous process sharing the store.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Store(State{Status: StatusNotReady})
}

// StartDrain marks the broker as draining.
func (t *Tracker) StartDrain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Store(State{Status: StatusDraining, Draining: true})
}

// IsDraining reports whether StartDrain was called.
func (t *Tracker) IsDraining() bool { return t.store.Load().Draining }
