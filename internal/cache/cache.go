// Package cache mirrors the latest metadata, asset and snapshot seen for each
// browser process, so a tracking session that starts late can still be served
// data that arrived before it was listening.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/fanout"
	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/logx"
	"github.com/gaspardpetit/activitybridge/internal/metrics"
	"github.com/gaspardpetit/activitybridge/internal/native"
)

// Entry is the cached state of one browser process. Nil fields were never seen.
type Entry struct {
	Metadata *native.Metadata `json:"metadata,omitempty"`
	Asset    *native.Asset    `json:"asset,omitempty"`
	Snapshot *native.Snapshot `json:"snapshot,omitempty"`
}

// Source is what the cache listens to. *broker.Broker satisfies it.
type Source interface {
	SubscribeEvents() *fanout.Subscriber[broker.Event]
	SubscribeDisconnects() *fanout.Subscriber[uint32]
	IsRegistered(pid uint32) bool
}

// Cache is the process-wide opportunistic cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint32]*Entry

	decoder native.Decoder
	started atomic.Bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// New returns an empty cache. A nil decoder selects native.JSONDecoder.
func New(decoder native.Decoder) *Cache {
	if decoder == nil {
		decoder = native.JSONDecoder{}
	}
	return &Cache{entries: make(map[uint32]*Entry), decoder: decoder, log: logx.Component("cache")}
}

// Start subscribes to src and keeps mirroring until src's fan-outs close.
// Only the first call starts anything; it reports whether this call did.
func (c *Cache) Start(src Source) bool {
	if !c.started.CompareAndSwap(false, true) {
		return false
	}
	events := src.SubscribeEvents()
	disconnects := src.SubscribeDisconnects()
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer events.Unsubscribe()
		ctx := context.Background()
		for {
			ev, err := events.Recv(ctx)
			if err != nil {
				if n, ok := fanout.IsLag(err); ok {
					c.log.Warn().Uint64("skipped", n).Msg("cache lagged behind events")
					metrics.RecordLag("cache", n)
					continue
				}
				return
			}
			c.apply(ev, src.IsRegistered)
		}
	}()
	go func() {
		defer c.wg.Done()
		defer disconnects.Unsubscribe()
		ctx := context.Background()
		for {
			pid, err := disconnects.Recv(ctx)
			if err != nil {
				if n, ok := fanout.IsLag(err); ok {
					c.log.Warn().Uint64("skipped", n).Msg("cache lagged behind disconnects")
					metrics.RecordLag("cache_disconnects", n)
					continue
				}
				return
			}
			c.evictDisconnected(pid, src.IsRegistered)
		}
	}()
	return true
}

// Wait blocks until the cache tasks stop, which happens once the broker closes.
func (c *Cache) Wait() { c.wg.Wait() }

func (c *Cache) apply(ev broker.Event, live func(uint32) bool) {
	switch ev.Action {
	case frame.ActionTabActivated, frame.ActionAssets, frame.ActionSnapshot:
	default:
		return
	}
	log := c.log.With().Uint32("browser_pid", ev.BrowserPID).Str("action", ev.Action).Logger()
	if ev.Payload == nil {
		log.Debug().Msg("event without payload ignored")
		return
	}
	msg, err := c.decoder.Decode(*ev.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("undecodable event dropped")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Checked under the cache lock: an eviction for this pid either already
	// happened (and the pid is gone) or will run after this write.
	if !live(ev.BrowserPID) {
		log.Debug().Msg("event for disconnected bridge ignored")
		return
	}
	e := c.entries[ev.BrowserPID]
	if e == nil {
		e = &Entry{}
	}
	switch {
	case ev.Action == frame.ActionTabActivated && msg.Metadata != nil:
		e.Metadata = msg.Metadata
	case ev.Action == frame.ActionAssets && msg.Asset != nil:
		e.Asset = msg.Asset
	case ev.Action == frame.ActionSnapshot && msg.Snapshot != nil:
		e.Snapshot = msg.Snapshot
	default:
		log.Warn().Str("type", string(msg.Type)).Msg("payload does not match action")
		return
	}
	c.entries[ev.BrowserPID] = e
	metrics.SetCacheEntries(len(c.entries))
}

// Evict removes everything cached for pid.
func (c *Cache) Evict(pid uint32) {
	c.mu.Lock()
	_, ok := c.entries[pid]
	delete(c.entries, pid)
	n := len(c.entries)
	c.mu.Unlock()
	if ok {
		metrics.SetCacheEntries(n)
		c.log.Debug().Uint32("browser_pid", pid).Msg("cache entry evicted")
	}
}

// evictDisconnected evicts pid unless it registered again before the
// notification was processed; the entry then belongs to the new connection.
func (c *Cache) evictDisconnected(pid uint32, live func(uint32) bool) {
	c.mu.Lock()
	if live(pid) {
		c.mu.Unlock()
		c.log.Debug().Uint32("browser_pid", pid).Msg("stale disconnect ignored; bridge registered again")
		return
	}
	_, ok := c.entries[pid]
	delete(c.entries, pid)
	n := len(c.entries)
	c.mu.Unlock()
	if ok {
		metrics.SetCacheEntries(n)
		c.log.Debug().Uint32("browser_pid", pid).Msg("cache entry evicted")
	}
}

// Get returns a copy of the entry for pid without consuming it.
func (c *Cache) Get(pid uint32) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pid]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of cached browser processes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
