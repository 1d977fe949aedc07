// Package reportsink delivers activity reports to the layers that persist them.
package reportsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/activitybridge/internal/activity"
	"github.com/gaspardpetit/activitybridge/internal/logx"
)

// Sink accepts reports.
type Sink interface {
	Publish(ctx context.Context, r activity.Report) error
}

// Log writes a line per report.
type Log struct {
	log zerolog.Logger
}

// NewLog returns a Log sink.
func NewLog() *Log { return &Log{log: logx.Component("reports")} }

func (l *Log) Publish(_ context.Context, r activity.Report) error {
	ev := l.log.Info().
		Str("report_id", r.ID).
		Str("session", r.Session).
		Str("kind", string(r.Kind)).
		Uint32("browser_pid", r.BrowserPID)
	switch {
	case r.Activity != nil:
		ev = ev.Str("name", r.Activity.Name).Str("process_name", r.Activity.ProcessName).Str("url", r.Activity.URL)
	case len(r.Assets) > 0:
		ev = ev.Int("assets", len(r.Assets))
	case len(r.Snapshots) > 0:
		ev = ev.Int("snapshots", len(r.Snapshots))
	}
	ev.Msg("activity report")
	return nil
}

// Redis appends reports to a Redis stream.
type Redis struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedis returns a sink writing to stream. maxLen > 0 caps the stream
// approximately.
func NewRedis(client redis.UniversalClient, stream string, maxLen int64) *Redis {
	return &Redis{client: client, stream: stream, maxLen: maxLen}
}

func (s *Redis) Publish(ctx context.Context, r activity.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":          r.ID,
			"kind":        string(r.Kind),
			"session":     r.Session,
			"browser_pid": r.BrowserPID,
			"report":      body,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, r activity.Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Source is a report stream with an end signal. *activity.Subscription
// satisfies it.
type Source interface {
	Reports() <-chan activity.Report
	Done() <-chan struct{}
}

// Run forwards reports from src to sink until ctx ends or src is done.
// Publishing failures are logged and the report is dropped.
func Run(ctx context.Context, src Source, sink Sink) {
	log := logx.Component("reports")
	for {
		select {
		case r := <-src.Reports():
			if err := sink.Publish(ctx, r); err != nil {
				log.Warn().Err(err).Str("report_id", r.ID).Msg("report not delivered")
			}
		case <-src.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
