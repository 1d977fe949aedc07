package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gaspardpetit/activitybridge/internal/frame"
)

// Messenger is the registry entry for one connected bridge.
type Messenger struct {
	BrowserPID uint32
	HostPID    uint32
	outbound   chan<- frame.Frame
	closed     <-chan struct{}
}

// Registry tracks connected bridges keyed by browser pid.
type Registry struct {
	mu         sync.RWMutex
	messengers map[uint32]Messenger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{messengers: make(map[uint32]Messenger)}
}

// Register inserts or replaces the entry for browserPID. closed must be closed
// once nothing drains outbound anymore.
func (r *Registry) Register(browserPID, hostPID uint32, outbound chan<- frame.Frame, closed <-chan struct{}) {
	r.mu.Lock()
	r.messengers[browserPID] = Messenger{BrowserPID: browserPID, HostPID: hostPID, outbound: outbound, closed: closed}
	r.mu.Unlock()
}

// Unregister removes the entry for browserPID only when it is still owned by hostPID.
func (r *Registry) Unregister(browserPID, hostPID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messengers[browserPID]
	if !ok || m.HostPID != hostPID {
		return false
	}
	delete(r.messengers, browserPID)
	return true
}

// Send queues f on the bridge's outbound channel, waiting while it is full.
func (r *Registry) Send(ctx context.Context, browserPID uint32, f frame.Frame) error {
	r.mu.RLock()
	m, ok := r.messengers[browserPID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrNotRegistered, browserPID)
	}
	select {
	case <-m.closed:
		return fmt.Errorf("%w: pid %d", ErrChannelClosed, browserPID)
	default:
	}
	select {
	case m.outbound <- f:
		return nil
	case <-m.closed:
		return fmt.Errorf("%w: pid %d", ErrChannelClosed, browserPID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the entry for browserPID.
func (r *Registry) Lookup(browserPID uint32) (Messenger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messengers[browserPID]
	return m, ok
}

// IsRegistered reports whether browserPID has a live connection.
func (r *Registry) IsRegistered(browserPID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.messengers[browserPID]
	return ok
}

// ListPIDs returns the registered browser pids in ascending order.
func (r *Registry) ListPIDs() []uint32 {
	r.mu.RLock()
	pids := make([]uint32, 0, len(r.messengers))
	for pid := range r.messengers {
		pids = append(pids, pid)
	}
	r.mu.RUnlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Count returns the number of registered bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messengers)
}
