// Package audit fans engine events out to observers: the structured log,
// Prometheus, the persistent journal and WebSocket subscribers.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// Sink receives batches of events in emission order.
type Sink interface {
	Publish(ctx context.Context, events []model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []model.Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, events []model.Event) error {
	return f(ctx, events)
}

// Fanout delivers every batch to each sink in order. A failing sink does
// not stop delivery to the others.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

// NewFanout creates a fanout over sinks. Nil sinks are skipped.
func NewFanout(log *slog.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{log: log}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish implements Sink.
func (f *Fanout) Publish(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, events); err != nil {
			f.log.Warn("audit sink failed", "events", len(events), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each event to a structured logger. Invariant violations
// are logged at error level, everything else at debug.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, events []model.Event) error {
	for _, ev := range events {
		level := slog.LevelDebug
		if ev.Type == model.EventInvariantViolation {
			level = slog.LevelError
		}
		s.log.Log(ctx, level, "engine event", "seq", ev.Seq, "type", string(ev.Type), "data", ev.Data)
	}
	return nil
}

// MetricsSink feeds events to the Prometheus collectors.
type MetricsSink struct{}

// Publish implements Sink.
func (MetricsSink) Publish(_ context.Context, events []model.Event) error {
	metrics.Observe(events)
	return nil
}
