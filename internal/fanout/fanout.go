// Package fanout implements a bounded multi-subscriber broadcast channel.
//
// Publishers never block. Every subscriber keeps its own read cursor into a
// shared ring buffer; a subscriber that falls more than the buffer capacity
// behind receives a *LagError carrying the number of skipped items and then
// resumes from the oldest retained item.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned once the bus is closed and the subscriber has drained
// everything still buffered.
var ErrClosed = errors.New("fanout closed")

// LagError reports items a subscriber missed because it fell behind.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged by %d messages", e.Skipped)
}

// Bus is a broadcast channel for values of type T.
type Bus[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   uint64 // sequence number of the next published item
	closed bool
	wake   chan struct{}
	subs   int
}

// New creates a bus retaining up to capacity items for slow subscribers.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus[T]{buf: make([]T, capacity), wake: make(chan struct{})}
}

// Publish appends v and wakes waiting subscribers. It returns the number of
// subscribers at the time of publication.
func (b *Bus[T]) Publish(v T) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.buf[b.head%uint64(len(b.buf))] = v
	b.head++
	close(b.wake)
	b.wake = make(chan struct{})
	return b.subs, nil
}

// Subscribe returns a subscriber that observes items published from now on.
func (b *Bus[T]) Subscribe() *Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	return &Subscriber[T]{bus: b, next: b.head}
}

// Subscribers returns the number of live subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Close stops publication. Subscribers still drain buffered items. Close is idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// Closed reports whether Close was called.
func (b *Bus[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscriber reads from a Bus. A Subscriber must not be used concurrently.
type Subscriber[T any] struct {
	bus     *Bus[T]
	next    uint64
	dropped bool
}

// Recv returns the next item. It blocks until an item is available, the bus
// is closed (ErrClosed), or ctx is done. On lag it returns a *LagError once
// and repositions the cursor on the oldest retained item.
func (s *Subscriber[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	b := s.bus
	for {
		b.mu.Lock()
		size := uint64(len(b.buf))
		if b.head > size && s.next < b.head-size {
			oldest := b.head - size
			skipped := oldest - s.next
			s.next = oldest
			b.mu.Unlock()
			return zero, &LagError{Skipped: skipped}
		}
		if s.next < b.head {
			v := b.buf[s.next%size]
			s.next++
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns how many items are waiting for this subscriber, lagged items included.
func (s *Subscriber[T]) Len() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.bus.head - s.next
}

// Unsubscribe detaches the subscriber from the bus's accounting.
func (s *Subscriber[T]) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.dropped {
		return
	}
	s.dropped = true
	s.bus.subs--
}

// IsLag reports whether err is a *LagError and returns the skip count.
func IsLag(err error) (uint64, bool) {
	var lag *LagError
	if errors.As(err, &lag) {
		return lag.Skipped, true
	}
	return 0, false
}
