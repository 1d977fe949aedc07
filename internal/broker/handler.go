package broker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/metrics"
)

// Stream is one bidirectional bridge connection. Recv returns io.EOF when the
// peer ends the stream and an error wrapping frame.ErrMalformed for frames
// that break the one-of invariant.
type Stream interface {
	Recv(ctx context.Context) (frame.Frame, error)
	Send(ctx context.Context, f frame.Frame) error
}

// ServeStream runs the connection handler for s until the stream ends. The
// first frame must be Register; otherwise ErrProtocolViolation is returned and
// nothing is registered.
func (b *Broker) ServeStream(ctx context.Context, s Stream) error {
	first, err := s.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: awaiting register: %v", ErrProtocolViolation, err)
	}
	if first.Kind() != frame.KindRegister {
		return fmt.Errorf("%w: first frame is %q, want register", ErrProtocolViolation, first.Kind())
	}
	pid, host := first.Register.BrowserPID, first.Register.HostPID
	if pid == 0 {
		return fmt.Errorf("%w: register with browser pid 0", ErrProtocolViolation)
	}
	connID := uuid.NewString()
	log := b.log.With().Str("conn_id", connID).Uint32("browser_pid", pid).Uint32("host_pid", host).Logger()

	connCtx, cancel := context.WithCancel(ctx)
	outbound := make(chan frame.Frame, b.opts.OutboundBuffer)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			select {
			case f := <-outbound:
				if err := s.Send(connCtx, f); err != nil {
					log.Debug().Err(err).Msg("outbound write failed")
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	b.registry.Register(pid, host, outbound, closed)
	metrics.SetConnections(b.registry.Count())
	log.Info().Msg("bridge registered")

	defer func() {
		cancel()
		<-closed
		if b.registry.Unregister(pid, host) {
			metrics.SetConnections(b.registry.Count())
			_, _ = b.disconnects.Publish(pid)
			log.Info().Msg("bridge unregistered")
		} else {
			log.Info().Msg("bridge closed; registration already superseded")
		}
	}()

	for {
		f, err := s.Recv(connCtx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, frame.ErrMalformed):
				log.Warn().Err(err).Msg("protocol violation")
				return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			default:
				log.Debug().Err(err).Msg("stream ended")
				return err
			}
		}
		metrics.RecordFrame(string(f.Kind()))
		if _, err := b.incoming.Publish(Inbound{BrowserPID: pid, Frame: f}); err != nil {
			log.Debug().Msg("broker closed; dropping connection")
			return nil
		}
	}
}
