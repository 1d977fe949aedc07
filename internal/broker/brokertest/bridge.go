// Package brokertest provides an in-memory bridge for tests that need a
// connected browser process without a websocket.
package brokertest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/frame"
)

// Responder answers a request. Returning a zero Frame sends nothing.
type Responder func(req frame.Request) frame.Frame

// Bridge plays the browser side of one connection.
type Bridge struct {
	PID  uint32
	Host uint32

	toBroker   chan frame.Frame
	fromBroker chan frame.Frame
	done       chan error
	closeOnce  sync.Once

	mu       sync.Mutex
	respond  Responder
	requests []frame.Request
	events   []frame.Event
}

func (p *Bridge) Recv(ctx context.Context) (frame.Frame, error) {
	select {
	case f, ok := <-p.toBroker:
		if !ok {
			return frame.Frame{}, io.EOF
		}
		if err := f.Validate(); err != nil {
			return frame.Frame{}, err
		}
		return f, nil
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

func (p *Bridge) Send(ctx context.Context, f frame.Frame) error {
	select {
	case p.fromBroker <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers a bridge for pid on b and waits until it is visible.
func Connect(t testing.TB, b *broker.Broker, pid, host uint32) *Bridge {
	t.Helper()
	p := &Bridge{
		PID:        pid,
		Host:       host,
		toBroker:   make(chan frame.Frame, 64),
		fromBroker: make(chan frame.Frame, 64),
		done:       make(chan error, 1),
	}
	p.toBroker <- frame.Frame{Register: &frame.Register{BrowserPID: pid, HostPID: host}}
	go func() { p.done <- b.ServeStream(context.Background(), p) }()
	go p.serve()
	WaitFor(t, "bridge registration", func() bool {
		m, ok := b.Registry().Lookup(pid)
		return ok && m.HostPID == host
	})
	t.Cleanup(p.Close)
	return p
}

func (p *Bridge) serve() {
	for f := range p.fromBroker {
		p.mu.Lock()
		respond := p.respond
		if f.Request != nil {
			p.requests = append(p.requests, *f.Request)
		}
		if f.Event != nil {
			p.events = append(p.events, *f.Event)
		}
		p.mu.Unlock()
		if f.Request == nil || respond == nil {
			continue
		}
		if out := respond(*f.Request); out.Kind() != frame.KindNone {
			p.Write(out)
		}
	}
}

// OnRequest installs the responder used for subsequent requests.
func (p *Bridge) OnRequest(r Responder) {
	p.mu.Lock()
	p.respond = r
	p.mu.Unlock()
}

// Requests returns the requests received so far.
func (p *Bridge) Requests() []frame.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frame.Request(nil), p.requests...)
}

// Events returns the broker-originated events received so far.
func (p *Bridge) Events() []frame.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frame.Event(nil), p.events...)
}

// Write sends a raw frame to the broker. Writes after Close are dropped.
func (p *Bridge) Write(f frame.Frame) {
	defer func() { _ = recover() }()
	p.toBroker <- f
}

// Emit sends an event frame.
func (p *Bridge) Emit(action string, payload string) {
	p.Write(frame.Frame{Event: &frame.Event{Action: action, Payload: frame.Str(payload)}})
}

// Close ends the connection as if the browser went away and waits for the
// handler to return.
func (p *Bridge) Close() {
	p.closeOnce.Do(func() {
		close(p.toBroker)
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
		}
	})
}

// Reply answers every request with payload.
func Reply(payload string) Responder {
	return func(req frame.Request) frame.Frame {
		return frame.Frame{Response: &frame.Response{ID: req.ID, Action: req.Action, Payload: frame.Str(payload)}}
	}
}

// WaitFor polls cond until it holds or two seconds pass.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
