package cache

import (
	"testing"
	"time"

	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/broker/brokertest"
	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/native"
)

func setup(t *testing.T) (*broker.Broker, *Cache) {
	t.Helper()
	b := broker.New(broker.Options{})
	b.Start()
	c := New(nil)
	if !c.Start(b) {
		t.Fatalf("first start should start")
	}
	t.Cleanup(func() {
		b.Close()
		c.Wait()
	})
	return b, c
}

func TestCacheStoresAssets(t *testing.T) {
	b, c := setup(t)
	br := brokertest.Connect(t, b, 42, 7)
	br.Emit(frame.ActionAssets, native.MustEncode(native.Asset{URL: "https://example.com", Name: "shot.png"}))

	brokertest.WaitFor(t, "cached asset", func() bool {
		e, ok := c.Get(42)
		return ok && e.Asset != nil
	})
	e, _ := c.Get(42)
	if e.Asset.Name != "shot.png" || e.Metadata != nil || e.Snapshot != nil {
		t.Fatalf("unexpected entry %+v", e)
	}
	// Get does not consume.
	if _, ok := c.Get(42); !ok {
		t.Fatalf("entry consumed by Get")
	}
}

func TestCacheKeepsLatestPerKind(t *testing.T) {
	b, c := setup(t)
	br := brokertest.Connect(t, b, 42, 7)
	br.Emit(frame.ActionTabActivated, native.MustEncode(native.Metadata{URL: "https://a.example.com"}))
	br.Emit(frame.ActionSnapshot, native.MustEncode(native.Snapshot{URL: "https://a.example.com", Content: "hello"}))
	br.Emit(frame.ActionTabActivated, native.MustEncode(native.Metadata{URL: "https://b.example.com"}))

	brokertest.WaitFor(t, "latest metadata", func() bool {
		e, ok := c.Get(42)
		return ok && e.Metadata != nil && e.Metadata.URL == "https://b.example.com" && e.Snapshot != nil
	})
	if c.Len() != 1 {
		t.Fatalf("len = %d; want 1", c.Len())
	}
}

func TestCacheEvictsOnDisconnect(t *testing.T) {
	b, c := setup(t)
	br := brokertest.Connect(t, b, 42, 7)
	br.Emit(frame.ActionAssets, native.MustEncode(native.Asset{URL: "https://example.com"}))
	brokertest.WaitFor(t, "cached asset", func() bool { _, ok := c.Get(42); return ok })

	br.Close()
	brokertest.WaitFor(t, "eviction", func() bool { _, ok := c.Get(42); return !ok })
}

func TestCacheIgnoresUndecodableAndUnrelated(t *testing.T) {
	b, c := setup(t)
	br := brokertest.Connect(t, b, 42, 7)
	br.Emit(frame.ActionAssets, "not json")
	br.Emit("SOMETHING_ELSE", native.MustEncode(native.Asset{URL: "https://example.com"}))
	// Payload type must match the action.
	br.Emit(frame.ActionSnapshot, native.MustEncode(native.Metadata{URL: "https://example.com"}))
	br.Emit(frame.ActionTabActivated, native.MustEncode(native.Metadata{URL: "https://marker.example.com"}))

	brokertest.WaitFor(t, "marker", func() bool { _, ok := c.Get(42); return ok })
	e, _ := c.Get(42)
	if e.Asset != nil || e.Snapshot != nil {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestCacheDropsEventsForDisconnectedBridge(t *testing.T) {
	c := New(nil)
	c.apply(broker.Event{
		BrowserPID: 9,
		Action:     frame.ActionAssets,
		Payload:    frame.Str(native.MustEncode(native.Asset{URL: "https://example.com"})),
	}, func(uint32) bool { return false })
	if _, ok := c.Get(9); ok {
		t.Fatalf("stale event resurrected an entry")
	}
}

func TestCacheKeepsEntryOfNewRegistrationOnLateDisconnect(t *testing.T) {
	c := New(nil)
	registered := func(uint32) bool { return true }
	c.apply(broker.Event{
		BrowserPID: 9,
		Action:     frame.ActionAssets,
		Payload:    frame.Str(native.MustEncode(native.Asset{URL: "https://new.example.com"})),
	}, registered)

	// The old connection's disconnect arrives after the reconnection cached data.
	c.evictDisconnected(9, registered)
	if e, ok := c.Get(9); !ok || e.Asset == nil || e.Asset.URL != "https://new.example.com" {
		t.Fatalf("entry of the new registration evicted: %+v %v", e, ok)
	}

	c.evictDisconnected(9, func(uint32) bool { return false })
	if _, ok := c.Get(9); ok {
		t.Fatalf("entry kept after the bridge went away")
	}
}

func TestCacheStartOnce(t *testing.T) {
	b, c := setup(t)
	if c.Start(b) {
		t.Fatalf("second start should be a no-op")
	}
}

func TestCacheStopsWhenBrokerCloses(t *testing.T) {
	b := broker.New(broker.Options{})
	b.Start()
	c := New(nil)
	c.Start(b)
	b.Close()
	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cache tasks did not stop")
	}
}
