package inspector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithTimeout caps the total time one call to Next waits on an empty
// queue. Zero leaves only the MaxReadAttempt bound.
func WithTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) {
		r.timeout = d
	}
}

// Reader decodes the events of a Source in FIFO order.
//
//	r := inspector.NewReader(src, cfg)
//	for r.Next(ctx) {
//		fmt.Println(r.Event())
//	}
//	if err := r.Err(); err != nil {
//		...
//	}
//
// When the queue is empty Next polls up to MaxReadAttempt times,
// PollingInterval apart, and then returns false with a nil Err. Next may be
// called again later to pick up newer events. Any other failure is sticky
// and reported by Err.
type Reader struct {
	src      Source
	attempts int
	interval time.Duration
	timeout  time.Duration

	event *TraceEvent
	err   error
}

// NewReader returns a Reader over src.
func NewReader(src Source, cfg Config, opts ...ReaderOption) *Reader {
	r := &Reader{
		src:      src,
		attempts: cfg.MaxReadAttempt,
		interval: cfg.PollingInterval,
	}
	if r.attempts <= 0 {
		r.attempts = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next advances to the next event.
func (r *Reader) Next(ctx context.Context) bool {
	r.event = nil
	if r.err != nil {
		return false
	}

	var deadline <-chan time.Time
	if r.timeout > 0 {
		t := time.NewTimer(r.timeout)
		defer t.Stop()
		deadline = t.C
	}

	for attempt := 1; ; attempt++ {
		rec, err := r.src.Consume(ctx)
		switch {
		case err == nil:
			e, err := Decode(rec.Data)
			if err != nil {
				r.err = fmt.Errorf("inspector: record %d: %w", rec.Counter, err)
				return false
			}
			r.event = e.WithCounter(rec.Counter)
			return true
		case !errors.Is(err, ErrEmpty):
			r.err = err
			return false
		}

		if attempt >= r.attempts {
			return false
		}

		wait := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			r.err = ctx.Err()
			return false
		case <-deadline:
			wait.Stop()
			return false
		case <-wait.C:
		}
	}
}

// Event returns the event read by the last successful Next.
func (r *Reader) Event() *TraceEvent {
	return r.event
}

// Err returns the first error that stopped the Reader, if any.
func (r *Reader) Err() error {
	return r.err
}
