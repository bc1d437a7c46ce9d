// Package observability turns queue lifecycle events into OpenTelemetry spans and metrics.
package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"taskq/internal/queue"
)

// scopeName is the instrumentation scope for taskq spans and metrics.
const scopeName = "taskq/queue"

// Recorder observes a queue's event stream.
//
// A span named "taskq.job.run" covers each job from IN_PROGRESS to its terminal event,
// timestamped from the events themselves. Instruments:
//   - taskq.job.events (Int64Counter): transitions, by status
//   - taskq.job.duration (Float64Histogram): run time in seconds, by terminal status
//   - taskq.queue.depth (Int64Gauge): queued and running counts, by state
type Recorder[K comparable, T any, R any] struct {
	tracer trace.Tracer

	events   metric.Int64Counter
	duration metric.Float64Histogram
	depth    metric.Int64Gauge

	mu    sync.Mutex
	spans map[K]trace.Span
}

type Option func(*options)

type options struct {
	tp trace.TracerProvider
	mp metric.MeterProvider
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tp = tp } }

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option { return func(o *options) { o.mp = mp } }

// New creates a recorder. Without providers configured globally it records into noops.
func New[K comparable, T any, R any](opts ...Option) *Recorder[K, T, R] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	if o.mp == nil {
		o.mp = otel.GetMeterProvider()
	}
	meter := o.mp.Meter(scopeName)

	// Instrument errors still return usable noop instruments.
	events, _ := meter.Int64Counter("taskq.job.events",
		metric.WithDescription("Job lifecycle transitions"),
		metric.WithUnit("{event}"),
	)
	duration, _ := meter.Float64Histogram("taskq.job.duration",
		metric.WithDescription("Time from dispatch to the terminal event"),
		metric.WithUnit("s"),
	)
	depth, _ := meter.Int64Gauge("taskq.queue.depth",
		metric.WithDescription("Jobs queued and running after the latest transition"),
		metric.WithUnit("{job}"),
	)

	return &Recorder[K, T, R]{
		tracer:   o.tp.Tracer(scopeName),
		events:   events,
		duration: duration,
		depth:    depth,
		spans:    map[K]trace.Span{},
	}
}

// Run consumes events until the channel closes or ctx is done, then ends open spans.
func (r *Recorder[K, T, R]) Run(ctx context.Context, events <-chan queue.Event[K, T, R]) error {
	defer r.endAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Observe(ctx, ev)
		}
	}
}

// Observe records a single event.
func (r *Recorder[K, T, R]) Observe(ctx context.Context, ev queue.Event[K, T, R]) {
	status := attribute.String("status", ev.Status.String())
	r.events.Add(ctx, 1, metric.WithAttributes(status))
	r.depth.Record(ctx, int64(ev.Queued), metric.WithAttributes(attribute.String("state", "queued")))
	r.depth.Record(ctx, int64(ev.Running), metric.WithAttributes(attribute.String("state", "running")))

	switch {
	case ev.Status == queue.StatusInProgress:
		_, span := r.tracer.Start(ctx, "taskq.job.run",
			trace.WithTimestamp(ev.Time),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("taskq.job.key", fmt.Sprint(ev.Key))),
		)
		r.mu.Lock()
		if old, ok := r.spans[ev.Key]; ok {
			old.End()
		}
		r.spans[ev.Key] = span
		r.mu.Unlock()

	case ev.Status.Terminal():
		r.mu.Lock()
		span, ok := r.spans[ev.Key]
		delete(r.spans, ev.Key)
		r.mu.Unlock()

		if ok {
			r.duration.Record(ctx, ev.Elapsed.Seconds(), metric.WithAttributes(status))
			span.SetAttributes(attribute.String("taskq.job.status", ev.Status.String()))
			switch {
			case ev.Status == queue.StatusFinished && ev.Err == nil:
				span.SetStatus(codes.Ok, "")
			case ev.Err != nil:
				span.RecordError(ev.Err)
				span.SetStatus(codes.Error, ev.Err.Error())
			}
			span.End(trace.WithTimestamp(ev.Time))
		}
	}
}

// Open reports how many spans are waiting for a terminal event.
func (r *Recorder[K, T, R]) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

func (r *Recorder[K, T, R]) endAll() {
	r.mu.Lock()
	spans := r.spans
	r.spans = map[K]trace.Span{}
	r.mu.Unlock()
	for _, s := range spans {
		s.SetStatus(codes.Error, "recorder stopped before job settled")
		s.End()
	}
}
