// Package tracing replays trace events as OpenTelemetry spans.
//
// Sync begin/end pairs become spans nested per (pid, tid), async begin/end
// pairs become spans keyed by name with instance events recorded as span
// events, and flow and counter events become zero length spans. Flow steps
// link back to the span that began the flow. Every span keeps the event's
// own timestamps.
package tracing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ketgo/inspector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ketgo/inspector/decorators/otel/tracing"

type Options struct {
	TracerProvider trace.TracerProvider
	SpanNamePrefix string
	StartOptions   []trace.SpanStartOption
}

type Option func(*Options)

// WithTracerProvider selects the provider spans are created with. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// WithSpanNamePrefix is prepended to every span name.
func WithSpanNamePrefix(prefix string) Option {
	return func(o *Options) {
		o.SpanNamePrefix = prefix
	}
}

// WithStartOption is applied to every span started.
func WithStartOption(so trace.SpanStartOption) Option {
	return func(o *Options) {
		o.StartOptions = append(o.StartOptions, so)
	}
}

type thread struct {
	pid, tid int64
}

type openSpan struct {
	name string
	ctx  context.Context
	span trace.Span
}

// SpanReceiver turns events into spans and then hands them to the next
// Receiver with the span in the context.
type SpanReceiver struct {
	next    inspector.Receiver
	tracer  trace.Tracer
	options *Options

	mux     sync.Mutex
	threads map[thread][]openSpan
	async   map[string]openSpan
	flows   map[string]trace.SpanContext
}

// Ensure that SpanReceiver implements inspector.Receiver
var _ inspector.Receiver = &SpanReceiver{}

// Receiver wraps next, exporting every event it sees as OpenTelemetry data.
func Receiver(next inspector.Receiver, opts ...Option) *SpanReceiver {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	tp := options.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &SpanReceiver{
		next:    next,
		tracer:  tp.Tracer(instrumentationName),
		options: options,
		threads: make(map[thread][]openSpan),
		async:   make(map[string]openSpan),
		flows:   make(map[string]trace.SpanContext),
	}
}

// Receive records e and calls the next Receiver.
func (r *SpanReceiver) Receive(ctx context.Context, e *inspector.TraceEvent) error {
	ctx = r.record(ctx, e)
	if r.next == nil {
		return nil
	}
	return r.next.Receive(ctx, e)
}

func (r *SpanReceiver) record(ctx context.Context, e *inspector.TraceEvent) context.Context {
	r.mux.Lock()
	defer r.mux.Unlock()

	ts := trace.WithTimestamp(e.Timestamp())
	th := thread{e.PID(), e.TID()}

	switch e.Type() {
	case inspector.SyncBegin:
		parent := ctx
		if stack := r.threads[th]; len(stack) > 0 {
			parent = stack[len(stack)-1].ctx
		}
		spanCtx, span := r.start(parent, e, trace.SpanKindInternal)
		r.threads[th] = append(r.threads[th], openSpan{name: e.Name(), ctx: spanCtx, span: span})
		return spanCtx

	case inspector.SyncEnd:
		stack := r.threads[th]
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].name != e.Name() {
				continue
			}
			stack[i].span.End(ts)
			spanCtx := stack[i].ctx
			r.threads[th] = append(stack[:i], stack[i+1:]...)
			if len(r.threads[th]) == 0 {
				delete(r.threads, th)
			}
			return spanCtx
		}

	case inspector.AsyncBegin:
		spanCtx, span := r.start(ctx, e, trace.SpanKindInternal)
		if prev, ok := r.async[e.Name()]; ok {
			prev.span.End(ts)
		}
		r.async[e.Name()] = openSpan{name: e.Name(), ctx: spanCtx, span: span}
		return spanCtx

	case inspector.AsyncInstance:
		if open, ok := r.async[e.Name()]; ok {
			open.span.AddEvent(e.Name(), ts, trace.WithAttributes(attributes(e)...))
			return open.ctx
		}

	case inspector.AsyncEnd:
		if open, ok := r.async[e.Name()]; ok {
			open.span.SetAttributes(argAttributes(e)...)
			open.span.End(ts)
			delete(r.async, e.Name())
			return open.ctx
		}

	case inspector.FlowBegin:
		spanCtx, span := r.start(ctx, e, trace.SpanKindProducer)
		span.End(ts)
		r.flows[e.Name()] = span.SpanContext()
		return spanCtx

	case inspector.FlowInstance, inspector.FlowEnd:
		var opts []trace.SpanStartOption
		if sc, ok := r.flows[e.Name()]; ok {
			opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
		}
		spanCtx, span := r.start(ctx, e, trace.SpanKindConsumer, opts...)
		span.End(ts)
		if e.Type() == inspector.FlowEnd {
			delete(r.flows, e.Name())
		}
		return spanCtx

	case inspector.Counter:
		spanCtx, span := r.start(ctx, e, trace.SpanKindInternal)
		span.End(ts)
		return spanCtx
	}
	return ctx
}

func (r *SpanReceiver) start(ctx context.Context, e *inspector.TraceEvent, kind trace.SpanKind, extra ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts := make([]trace.SpanStartOption, 0, len(r.options.StartOptions)+len(extra)+3)
	opts = append(opts, r.options.StartOptions...)
	opts = append(opts,
		trace.WithTimestamp(e.Timestamp()),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attributes(e)...),
	)
	opts = append(opts, extra...)
	return r.tracer.Start(ctx, r.options.SpanNamePrefix+e.Name(), opts...)
}

// Close ends every span still open at time at.
func (r *SpanReceiver) Close(at time.Time) {
	r.mux.Lock()
	defer r.mux.Unlock()

	ts := trace.WithTimestamp(at)
	for th, stack := range r.threads {
		for i := len(stack) - 1; i >= 0; i-- {
			stack[i].span.End(ts)
		}
		delete(r.threads, th)
	}
	for name, open := range r.async {
		open.span.End(ts)
		delete(r.async, name)
	}
	clear(r.flows)
}

func attributes(e *inspector.TraceEvent) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("inspector.phase", string(e.Type().Phase())),
		attribute.Int64("inspector.pid", e.PID()),
		attribute.Int64("inspector.tid", e.TID()),
		attribute.Int64("inspector.counter", int64(e.Counter())),
	}
	return append(attrs, argAttributes(e)...)
}

// argAttributes names positional arguments arg.0, arg.1, ... and keyword
// arguments arg.<key>.
func argAttributes(e *inspector.TraceEvent) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	pos := 0
	for _, a := range e.DebugArgs() {
		var key string
		if a.IsKwarg() {
			key = "arg." + a.Key()
		} else {
			key = "arg." + strconv.Itoa(pos)
			pos++
		}
		switch a.ValueType() {
		case inspector.ArgInt64:
			attrs = append(attrs, attribute.Int64(key, a.Int64()))
		case inspector.ArgDouble:
			attrs = append(attrs, attribute.Float64(key, a.Float64()))
		default:
			attrs = append(attrs, attribute.String(key, a.Str()))
		}
	}
	return attrs
}
