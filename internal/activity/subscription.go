// Package activity turns bridge traffic for the browser the user is looking at
// into activity reports.
package activity

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/cache"
	"github.com/gaspardpetit/activitybridge/internal/fanout"
	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/logx"
	"github.com/gaspardpetit/activitybridge/internal/metrics"
	"github.com/gaspardpetit/activitybridge/internal/native"
)

// DefaultReportBuffer is the report channel capacity when none is given.
const DefaultReportBuffer = 64

// Source is the broker surface a subscription needs. *broker.Broker satisfies it.
type Source interface {
	SubscribeEvents() *fanout.Subscriber[broker.Event]
	SubscribeDisconnects() *fanout.Subscriber[uint32]
	GetMetadata(ctx context.Context, pid uint32) (native.Metadata, error)
	IsRegistered(pid uint32) bool
	Decoder() native.Decoder
}

// Cache is the read side of the opportunistic cache.
type Cache interface {
	Get(pid uint32) (cache.Entry, bool)
}

// Subscription is one tracking session. Reports go to a single consumer
// through Reports.
type Subscription struct {
	id    string
	src   Source
	cache Cache

	active  atomic.Uint32 // 0 means not tracking
	started atomic.Bool

	mu      sync.Mutex
	process Process
	lastURL string

	reports chan Report
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log zerolog.Logger
}

// NewSubscription returns an idle subscription. buffer <= 0 selects
// DefaultReportBuffer.
func NewSubscription(src Source, c Cache, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultReportBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Subscription{
		id:      id,
		src:     src,
		cache:   c,
		reports: make(chan Report, buffer),
		ctx:     ctx,
		cancel:  cancel,
		log:     logx.Component("activity").With().Str("session", id).Logger(),
	}
}

// ID identifies the session in reports and logs.
func (s *Subscription) ID() string { return s.id }

// Reports is the report stream. It is never closed; select on Done as well.
func (s *Subscription) Reports() <-chan Report { return s.reports }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// ActivePID returns the tracked browser pid, or 0.
func (s *Subscription) ActivePID() uint32 { return s.active.Load() }

// Close stops the background tasks.
func (s *Subscription) Close() {
	s.cancel()
	s.wg.Wait()
}

// StartTracking makes p the tracked process and emits its current activity,
// from the cache when possible and from a live metadata fetch otherwise. A
// failed fetch degrades to an activity built from p alone. It reports whether
// the cache served the activity.
func (s *Subscription) StartTracking(ctx context.Context, p Process) bool {
	s.mu.Lock()
	s.process = p
	s.lastURL = ""
	s.mu.Unlock()
	s.active.Store(p.PID)
	s.ensureStarted()

	if s.flush(ctx, p) {
		return true
	}

	log := s.log.With().Uint32("browser_pid", p.PID).Logger()
	md, err := s.src.GetMetadata(ctx, p.PID)
	if err != nil {
		log.Debug().Err(err).Msg("metadata fetch failed; using process information")
		r := newReport(s.id, p.PID, KindNewActivity)
		r.Activity = activityFromProcess(p)
		s.emit(ctx, r)
		return false
	}
	if _, ok := hostOf(md.URL); ok && !s.claimURL(md.URL) {
		return false
	}
	r := newReport(s.id, p.PID, KindNewActivity)
	r.Activity = activityFromMetadata(md, p)
	s.emit(ctx, r)
	return false
}

// HandleProcessChange follows focus to p when a bridge serves it, flushing
// whatever is cached for it; otherwise tracking stops.
func (s *Subscription) HandleProcessChange(ctx context.Context, p Process) {
	if !s.src.IsRegistered(p.PID) {
		s.log.Debug().Uint32("browser_pid", p.PID).Msg("focused process has no bridge")
		s.StopTracking()
		return
	}
	s.mu.Lock()
	s.process = p
	s.lastURL = ""
	s.mu.Unlock()
	s.active.Store(p.PID)
	s.ensureStarted()
	s.flush(ctx, p)
}

// StopTracking drops all events until tracking starts again.
func (s *Subscription) StopTracking() {
	s.active.Store(0)
}

func (s *Subscription) flush(ctx context.Context, p Process) bool {
	e, ok := s.cache.Get(p.PID)
	if !ok {
		return false
	}
	// A live TAB_ACTIVATED handled since tracking began is newer than the cache.
	if e.Metadata != nil && s.claimURL(e.Metadata.URL) {
		r := newReport(s.id, p.PID, KindNewActivity)
		r.Activity = activityFromMetadata(*e.Metadata, p)
		s.emit(ctx, r)
	}
	if e.Asset != nil {
		r := newReport(s.id, p.PID, KindAssets)
		r.Assets = []native.Asset{*e.Asset}
		s.emit(ctx, r)
	}
	if e.Snapshot != nil {
		r := newReport(s.id, p.PID, KindSnapshots)
		r.Snapshots = []native.Snapshot{*e.Snapshot}
		s.emit(ctx, r)
	}
	s.log.Debug().Uint32("browser_pid", p.PID).Msg("flushed cached activity")
	return true
}

// claimURL records u as the last reported URL unless a live event already set one.
func (s *Subscription) claimURL(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastURL != "" {
		return false
	}
	s.lastURL = u
	return true
}

func (s *Subscription) emit(ctx context.Context, r Report) bool {
	select {
	case s.reports <- r:
		metrics.RecordReport(string(r.Kind))
		return true
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return false
}

func (s *Subscription) ensureStarted() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	events := s.src.SubscribeEvents()
	disconnects := s.src.SubscribeDisconnects()
	s.wg.Add(2)
	go s.watchEvents(events)
	go s.watchDisconnects(disconnects)
}

func (s *Subscription) watchEvents(sub *fanout.Subscriber[broker.Event]) {
	defer s.wg.Done()
	defer sub.Unsubscribe()
	for {
		ev, err := sub.Recv(s.ctx)
		if err != nil {
			if n, ok := fanout.IsLag(err); ok {
				s.log.Warn().Uint64("skipped", n).Msg("subscription lagged behind events")
				metrics.RecordLag("activity", n)
				continue
			}
			return
		}
		if ev.BrowserPID == 0 || ev.BrowserPID != s.active.Load() {
			continue
		}
		s.handle(ev)
	}
}

func (s *Subscription) watchDisconnects(sub *fanout.Subscriber[uint32]) {
	defer s.wg.Done()
	defer sub.Unsubscribe()
	for {
		pid, err := sub.Recv(s.ctx)
		if err != nil {
			if _, ok := fanout.IsLag(err); ok {
				continue
			}
			return
		}
		if pid != 0 && s.active.CompareAndSwap(pid, 0) {
			s.log.Info().Uint32("browser_pid", pid).Msg("tracked bridge disconnected; tracking stopped")
		}
	}
}

func (s *Subscription) handle(ev broker.Event) {
	log := s.log.With().Uint32("browser_pid", ev.BrowserPID).Str("action", ev.Action).Logger()
	if ev.Payload == nil {
		return
	}
	dec := s.src.Decoder()
	switch ev.Action {
	case frame.ActionTabActivated:
		md, err := native.DecodeMetadata(dec, *ev.Payload)
		if err != nil {
			log.Debug().Err(err).Msg("undecodable metadata dropped")
			return
		}
		host, ok := hostOf(md.URL)
		if !ok {
			return
		}
		s.mu.Lock()
		prev, _ := hostOf(s.lastURL)
		s.lastURL = md.URL
		p := s.process
		s.mu.Unlock()
		if prev == host {
			return
		}
		r := newReport(s.id, ev.BrowserPID, KindNewActivity)
		r.Activity = activityFromMetadata(md, p)
		s.emit(s.ctx, r)
	case frame.ActionAssets:
		a, err := native.DecodeAsset(dec, *ev.Payload)
		if err != nil {
			log.Debug().Err(err).Msg("undecodable asset dropped")
			return
		}
		r := newReport(s.id, ev.BrowserPID, KindAssets)
		r.Assets = []native.Asset{a}
		s.emit(s.ctx, r)
	case frame.ActionSnapshot:
		sn, err := native.DecodeSnapshot(dec, *ev.Payload)
		if err != nil {
			log.Debug().Err(err).Msg("undecodable snapshot dropped")
			return
		}
		r := newReport(s.id, ev.BrowserPID, KindSnapshots)
		r.Snapshots = []native.Snapshot{sn}
		s.emit(s.ctx, r)
	}
}

// hostOf returns the lower-cased host name of raw.
func hostOf(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}
