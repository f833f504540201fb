package inspector

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Tracer turns instrumentation calls into events on a queue. Every call
// runs on the caller's goroutine and enqueues exactly one event; nothing is
// buffered and no goroutines are started.
//
// Multiple goroutines may use a Tracer simultaneously.
type Tracer struct {
	w        Writer
	disabled bool
	logger   *zap.Logger
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithLogger sets the logger used to report failed writes.
func WithLogger(l *zap.Logger) TracerOption {
	return func(t *Tracer) {
		t.logger = l
	}
}

// WithDisabled overrides Config.DisableTracing.
func WithDisabled(disabled bool) TracerOption {
	return func(t *Tracer) {
		t.disabled = disabled
	}
}

// NewTracer returns a Tracer writing to w. A nil w makes every call fail
// with ErrQueueUnavailable.
func NewTracer(w Writer, cfg Config, opts ...TracerOption) *Tracer {
	t := &Tracer{
		w:        w,
		disabled: cfg.DisableTracing,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Emit enqueues one event of type typ. args are validated before anything
// is encoded, so a rejected call leaves the queue untouched.
func (t *Tracer) Emit(typ EventType, name string, args ...any) error {
	return t.EmitContext(context.Background(), typ, name, args...)
}

// EmitContext is Emit with a context bounding the write.
func (t *Tracer) EmitContext(ctx context.Context, typ EventType, name string, args ...any) error {
	e, err := NewTraceEvent(typ, name, args...)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrQueueUnavailable
	}
	if t.disabled {
		return nil
	}
	if t.w == nil {
		return ErrQueueUnavailable
	}
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(ctx, data); err != nil {
		t.logger.Debug("dropped trace event",
			zap.String("event", typ.String()),
			zap.String("name", name),
			zap.Error(err),
		)
		return fmt.Errorf("inspector: %s %q: %w", typ, name, err)
	}
	return nil
}

// SyncBegin opens a synchronous span on the calling goroutine.
func (t *Tracer) SyncBegin(name string, args ...any) error {
	return t.Emit(SyncBegin, name, args...)
}

// SyncEnd closes the innermost synchronous span named name.
func (t *Tracer) SyncEnd(name string) error {
	return t.Emit(SyncEnd, name)
}

func (t *Tracer) AsyncBegin(name string, args ...any) error {
	return t.Emit(AsyncBegin, name, args...)
}

func (t *Tracer) AsyncInstance(name string, args ...any) error {
	return t.Emit(AsyncInstance, name, args...)
}

func (t *Tracer) AsyncEnd(name string, args ...any) error {
	return t.Emit(AsyncEnd, name, args...)
}

func (t *Tracer) FlowBegin(name string, args ...any) error {
	return t.Emit(FlowBegin, name, args...)
}

func (t *Tracer) FlowInstance(name string, args ...any) error {
	return t.Emit(FlowInstance, name, args...)
}

func (t *Tracer) FlowEnd(name string, args ...any) error {
	return t.Emit(FlowEnd, name, args...)
}

// Counter records a standalone sample. Only numeric values are accepted.
func (t *Tracer) Counter(name string, values ...any) error {
	return t.Emit(Counter, name, values...)
}
