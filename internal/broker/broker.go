// Package broker multiplexes request/response and event traffic between the
// desktop process and one bridge per running browser process.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/activitybridge/internal/fanout"
	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/logx"
	"github.com/gaspardpetit/activitybridge/internal/metrics"
	"github.com/gaspardpetit/activitybridge/internal/native"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultOutboundBuffer = 32
	DefaultIncomingBuffer = 256
	DefaultEventBuffer    = 100
)

// Options tunes a Broker. Zero values select the defaults.
type Options struct {
	RequestTimeout time.Duration
	OutboundBuffer int
	IncomingBuffer int
	EventBuffer    int
	Decoder        native.Decoder
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = DefaultOutboundBuffer
	}
	if o.IncomingBuffer <= 0 {
		o.IncomingBuffer = DefaultIncomingBuffer
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Decoder == nil {
		o.Decoder = native.JSONDecoder{}
	}
}

// Inbound is a frame received from a bridge, tagged with its browser pid.
type Inbound struct {
	BrowserPID uint32
	Frame      frame.Frame
}

// Event is an unsolicited bridge event, tagged with its browser pid.
type Event struct {
	BrowserPID uint32
	Action     string
	Payload    *string
}

// Broker owns the connection registry, the pending request table and the
// fan-out channels. Construct one per process and share the pointer.
type Broker struct {
	opts     Options
	registry *Registry
	pending  pendingTable
	nextID   atomic.Uint32

	incoming    *fanout.Bus[Inbound]
	events      *fanout.Bus[Event]
	disconnects *fanout.Bus[uint32]

	started      atomic.Bool
	dispatchDone chan struct{}
	closeOnce    sync.Once

	log zerolog.Logger
}

// New constructs a Broker. Call Start before accepting connections.
func New(opts Options) *Broker {
	opts.setDefaults()
	return &Broker{
		opts:         opts,
		registry:     NewRegistry(),
		incoming:     fanout.New[Inbound](opts.IncomingBuffer),
		events:       fanout.New[Event](opts.EventBuffer),
		disconnects:  fanout.New[uint32](opts.EventBuffer),
		dispatchDone: make(chan struct{}),
		log:          logx.Component("broker"),
	}
}

// Start launches the dispatch loop. Only the first call has an effect.
func (b *Broker) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	sub := b.incoming.Subscribe()
	go b.dispatch(sub)
}

// Close shuts the broker down: inbound fan-out is closed, the dispatch loop
// drains and closes the event fan-out, and outstanding requests observe
// ErrChannelClosed. Connection handlers unwind as their streams end.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		b.incoming.Close()
		b.disconnects.Close()
		if b.started.Load() {
			<-b.dispatchDone
		} else {
			b.events.Close()
		}
		b.pending.closeAll()
	})
}

// Registry returns the connection registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Decoder returns the payload decoder the broker was configured with.
func (b *Broker) Decoder() native.Decoder { return b.opts.Decoder }

// SubscribeEvents returns a new subscriber to bridge events.
func (b *Broker) SubscribeEvents() *fanout.Subscriber[Event] { return b.events.Subscribe() }

// SubscribeDisconnects returns a new subscriber to browser pids whose bridge disconnected.
func (b *Broker) SubscribeDisconnects() *fanout.Subscriber[uint32] { return b.disconnects.Subscribe() }

// IsRegistered reports whether a bridge is connected for pid.
func (b *Broker) IsRegistered(pid uint32) bool { return b.registry.IsRegistered(pid) }

// HostPID returns the host pid of the bridge connected for pid.
func (b *Broker) HostPID(pid uint32) (uint32, bool) {
	m, ok := b.registry.Lookup(pid)
	return m.HostPID, ok
}

// ListRegisteredPIDs returns the connected browser pids.
func (b *Broker) ListRegisteredPIDs() []uint32 { return b.registry.ListPIDs() }

// ConnectionCount returns the number of connected bridges.
func (b *Broker) ConnectionCount() int { return b.registry.Count() }

// PendingCount returns the number of requests awaiting a reply.
func (b *Broker) PendingCount() int { return b.pending.len() }

func (b *Broker) nextRequestID() uint32 {
	id := b.nextID.Add(1)
	if id == 0 {
		// wrapped; 0 is never handed out
		id = b.nextID.Add(1)
	}
	return id
}

// SendRequest sends action to the bridge of pid and waits for its reply.
// A timeout of zero uses the configured default.
func (b *Broker) SendRequest(ctx context.Context, pid uint32, action string, payload *string, timeout time.Duration) (frame.Response, error) {
	if timeout <= 0 {
		timeout = b.opts.RequestTimeout
	}
	start := time.Now()
	id := b.nextRequestID()
	// The slot must exist before the frame leaves: a reply may race back.
	slot := b.pending.insert(id)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := frame.Frame{Request: &frame.Request{ID: id, Action: action, Payload: payload}}
	if err := b.registry.Send(reqCtx, pid, req); err != nil {
		b.pending.remove(id)
		err = b.deadlineError(ctx, err, id, action, timeout)
		metrics.RecordRequest(action, outcomeOf(err), time.Since(start))
		return frame.Response{}, err
	}

	select {
	case r, ok := <-slot:
		if !ok {
			metrics.RecordRequest(action, metrics.OutcomeClosed, time.Since(start))
			return frame.Response{}, fmt.Errorf("%w: request %d", ErrChannelClosed, id)
		}
		if r.err != nil {
			metrics.RecordRequest(action, metrics.OutcomeBridgeError, time.Since(start))
			return frame.Response{}, &BridgeError{ID: r.err.ID, Message: r.err.Message}
		}
		metrics.RecordRequest(action, metrics.OutcomeSuccess, time.Since(start))
		return *r.resp, nil
	case <-reqCtx.Done():
		b.pending.remove(id)
		err := b.deadlineError(ctx, reqCtx.Err(), id, action, timeout)
		metrics.RecordRequest(action, outcomeOf(err), time.Since(start))
		b.log.Debug().Uint32("browser_pid", pid).Uint32("request_id", id).Str("action", action).Err(err).Msg("request abandoned")
		return frame.Response{}, err
	}
}

// deadlineError turns the expiry of our own timer into ErrRequestTimeout while
// leaving caller cancellation and other errors untouched.
func (b *Broker) deadlineError(parent context.Context, err error, id uint32, action string, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: request %d %s after %s", ErrRequestTimeout, id, action, timeout)
	}
	return err
}

func outcomeOf(err error) string {
	var be *BridgeError
	switch {
	case errors.Is(err, ErrNotRegistered):
		return metrics.OutcomeNotRegistered
	case errors.Is(err, ErrRequestTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrChannelClosed):
		return metrics.OutcomeClosed
	case errors.As(err, &be):
		return metrics.OutcomeBridgeError
	default:
		return metrics.OutcomeCanceled
	}
}

// GetMetadata asks the bridge for the active tab's metadata.
func (b *Broker) GetMetadata(ctx context.Context, pid uint32) (native.Metadata, error) {
	payload, err := b.call(ctx, pid, frame.ActionGetMetadata)
	if err != nil {
		return native.Metadata{}, err
	}
	md, err := native.DecodeMetadata(b.opts.Decoder, payload)
	if err != nil {
		return native.Metadata{}, err
	}
	if !ValidMetadataURL(md.URL) {
		return native.Metadata{}, fmt.Errorf("%w: %q", ErrInvalidMetadataURL, md.URL)
	}
	return md, nil
}

// GenerateAssets asks the bridge to produce assets for the active tab.
func (b *Broker) GenerateAssets(ctx context.Context, pid uint32) (native.Asset, error) {
	payload, err := b.call(ctx, pid, frame.ActionGenerateAssets)
	if err != nil {
		return native.Asset{}, err
	}
	return native.DecodeAsset(b.opts.Decoder, payload)
}

// GenerateSnapshot asks the bridge to capture the active tab's content.
func (b *Broker) GenerateSnapshot(ctx context.Context, pid uint32) (native.Snapshot, error) {
	payload, err := b.call(ctx, pid, frame.ActionGenerateSnapshot)
	if err != nil {
		return native.Snapshot{}, err
	}
	return native.DecodeSnapshot(b.opts.Decoder, payload)
}

func (b *Broker) call(ctx context.Context, pid uint32, action string) (string, error) {
	resp, err := b.SendRequest(ctx, pid, action, nil, 0)
	if err != nil {
		return "", err
	}
	if resp.Payload == nil {
		return "", &native.DecodeError{Err: fmt.Errorf("%s response without payload", action)}
	}
	return *resp.Payload, nil
}

// ValidMetadataURL accepts http(s) pages and extension pages.
func ValidMetadataURL(u string) bool {
	return strings.HasPrefix(u, "http") || strings.HasPrefix(u, "chrome-extension:")
}

// SendEvent relays a broker-originated event to the bridge of pid.
func (b *Broker) SendEvent(ctx context.Context, pid uint32, action string, payload *string) error {
	return b.registry.Send(ctx, pid, frame.Frame{Event: &frame.Event{Action: action, Payload: payload}})
}

func (b *Broker) dispatch(sub *fanout.Subscriber[Inbound]) {
	defer close(b.dispatchDone)
	defer b.events.Close()
	defer sub.Unsubscribe()
	ctx := context.Background()
	for {
		in, err := sub.Recv(ctx)
		if err != nil {
			if n, ok := fanout.IsLag(err); ok {
				b.log.Warn().Uint64("skipped", n).Msg("dispatch loop lagged")
				metrics.RecordLag("dispatch", n)
				continue
			}
			b.log.Debug().Msg("dispatch loop stopped")
			return
		}
		b.route(in)
	}
}

func (b *Broker) route(in Inbound) {
	f := in.Frame
	switch f.Kind() {
	case frame.KindResponse:
		if !b.pending.resolve(f.Response.ID, reply{resp: f.Response}) {
			metrics.RecordUnmatchedReply()
			b.log.Debug().Uint32("browser_pid", in.BrowserPID).Uint32("request_id", f.Response.ID).Str("action", f.Response.Action).Msg("unmatched response dropped")
		}
	case frame.KindError:
		if !b.pending.resolve(f.Error.ID, reply{err: f.Error}) {
			metrics.RecordUnmatchedReply()
			b.log.Debug().Uint32("browser_pid", in.BrowserPID).Uint32("request_id", f.Error.ID).Str("message", f.Error.Message).Msg("unmatched error dropped")
		}
	case frame.KindCancel:
		if b.pending.remove(f.Cancel.ID) {
			b.log.Debug().Uint32("browser_pid", in.BrowserPID).Uint32("request_id", f.Cancel.ID).Msg("request cancelled by bridge")
		}
	case frame.KindEvent:
		if _, err := b.events.Publish(Event{BrowserPID: in.BrowserPID, Action: f.Event.Action, Payload: f.Event.Payload}); err != nil {
			b.log.Debug().Err(err).Msg("event dropped")
		}
	default:
		b.log.Warn().Uint32("browser_pid", in.BrowserPID).Str("kind", string(f.Kind())).Msg("unexpected frame dropped")
	}
}
