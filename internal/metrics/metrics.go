// Package metrics exposes pipeline counters through OpenTelemetry. Without an
// installed MeterProvider every counter is a no-op.
package metrics

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScopeName is the instrumentation scope of all calltrace meters.
const ScopeName = "github.com/ppiankov/calltrace"

// Counter names.
const (
	EventsEnqueued  = "calltrace.events.enqueued"
	EventsFiltered  = "calltrace.events.filtered"
	EventsDropped   = "calltrace.events.dropped"
	TracesPersisted = "calltrace.traces.persisted"
	StackUnderflows = "calltrace.stack.underflows"
	Checkpoints     = "calltrace.checkpoints"
)

// Set is the group of counters a pipeline reports into.
type Set struct {
	enqueued    metric.Int64Counter
	filtered    metric.Int64Counter
	dropped     metric.Int64Counter
	persisted   metric.Int64Counter
	underflows  metric.Int64Counter
	checkpoints metric.Int64Counter
}

// Global returns a Set on the globally registered MeterProvider.
func Global() *Set {
	return New(otel.Meter(ScopeName))
}

// Noop returns a Set that records nothing.
func Noop() *Set {
	return New(noop.NewMeterProvider().Meter(ScopeName))
}

// New creates the counters on meter. A counter that cannot be created is
// logged and replaced by a no-op.
func New(meter metric.Meter) *Set {
	return &Set{
		enqueued:    counter(meter, EventsEnqueued, "Entry events accepted onto the ingestion queue"),
		filtered:    counter(meter, EventsFiltered, "Entry events rejected by the class filter"),
		dropped:     counter(meter, EventsDropped, "Events dropped on resolution or storage failure"),
		persisted:   counter(meter, TracesPersisted, "Trace records appended to the sink"),
		underflows:  counter(meter, StackUnderflows, "Exit notifications with an empty call stack"),
		checkpoints: counter(meter, Checkpoints, "Completed storage checkpoints"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name,
		metric.WithDescription(desc),
		metric.WithUnit("{count}"))
	if err != nil {
		log.Errorf("Creating Int64Counter %s: %v", name, err)
		return noop.Int64Counter{}
	}
	return c
}

func (s *Set) Enqueued()   { s.enqueued.Add(context.Background(), 1) }
func (s *Set) Filtered()   { s.filtered.Add(context.Background(), 1) }
func (s *Set) Dropped()    { s.dropped.Add(context.Background(), 1) }
func (s *Set) Persisted()  { s.persisted.Add(context.Background(), 1) }
func (s *Set) Underflow()  { s.underflows.Add(context.Background(), 1) }
func (s *Set) Checkpoint() { s.checkpoints.Add(context.Background(), 1) }
