package drain

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitIdle(t *testing.T) {
	if !Wait(context.Background(), func() int { return 0 }, time.Second) {
		t.Fatalf("expected idle broker to drain")
	}
}

func TestWaitSettles(t *testing.T) {
	PollInterval = 10 * time.Millisecond
	var n atomic.Int32
	n.Store(2)
	go func() {
		time.Sleep(30 * time.Millisecond)
		n.Store(0)
	}()
	if !Wait(context.Background(), func() int { return int(n.Load()) }, time.Second) {
		t.Fatalf("expected drain once requests settle")
	}
}

func TestWaitTimeout(t *testing.T) {
	PollInterval = 10 * time.Millisecond
	start := time.Now()
	if Wait(context.Background(), func() int { return 1 }, 50*time.Millisecond) {
		t.Fatalf("expected timeout")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before the timeout")
	}
}

func TestWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Wait(ctx, func() int { return 1 }, time.Second) {
		t.Fatalf("expected cancellation to stop the wait")
	}
}
