// Package reorder restores timestamp order across events read from one
// queue. Producers on different threads and processes write concurrently,
// so queue order only approximates time order; a short holding window
// absorbs the difference.
package reorder

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	pq "github.com/JimWen/gods-generic/queues/priorityqueue"
	"github.com/JimWen/gods-generic/utils"
	"github.com/asecurityteam/rolling"
	"github.com/ketgo/inspector"
)

// Receiver buffers events in a priority queue ordered by (timestamp,
// counter) and releases an event once it is older than the newest
// timestamp seen minus the holding window.
//
// The window follows how late events have recently arrived: it is twice
// the largest lateness observed over the last second, clamped to
// [MinWindow, MaxWindow]. Events that arrive after newer ones were already
// released are passed on immediately and counted by Late.
type Receiver struct {
	next inspector.Receiver

	minWindow time.Duration
	maxWindow time.Duration

	mux      sync.Mutex
	queue    *pq.Queue[*inspector.TraceEvent]
	lateness *rolling.TimePolicy
	newest   int64
	released int64
	late     int
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithMinWindow sets the smallest holding window.
func WithMinWindow(d time.Duration) Option {
	return func(r *Receiver) {
		r.minWindow = d
	}
}

// WithMaxWindow bounds the holding window and so the added latency.
func WithMaxWindow(d time.Duration) Option {
	return func(r *Receiver) {
		r.maxWindow = d
	}
}

// NewReceiver returns a Receiver forwarding events to next in timestamp
// order.
func NewReceiver(next inspector.Receiver, opts ...Option) *Receiver {
	queue := pq.NewWith(func(a, b *inspector.TraceEvent) int {
		if c := utils.NumberComparator(a.TimestampNs(), b.TimestampNs()); c != 0 {
			return c
		}
		return utils.NumberComparator(a.Counter(), b.Counter())
	})

	r := &Receiver{
		next:      next,
		minWindow: 10 * time.Millisecond,
		maxWindow: time.Second,
		queue:     queue,
		lateness:  rolling.NewTimePolicy(rolling.NewWindow(1000), time.Millisecond),
		released:  math.MinInt64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive buffers e and forwards every event that left the window.
func (r *Receiver) Receive(ctx context.Context, e *inspector.TraceEvent) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	ts := e.TimestampNs()
	if ts < r.newest {
		r.lateness.Append(float64(r.newest - ts))
	} else {
		r.lateness.Append(0)
		r.newest = ts
	}
	if ts < r.released {
		r.late++
		return r.next.Receive(ctx, e)
	}
	r.queue.Enqueue(e)

	horizon := r.newest - int64(r.window())
	var errs []error
	for {
		head, ok := r.queue.Peek()
		if !ok || head.TimestampNs() > horizon {
			break
		}
		r.queue.Dequeue()
		r.released = head.TimestampNs()
		if err := r.next.Receive(ctx, head); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush forwards every buffered event in order.
func (r *Receiver) Flush(ctx context.Context) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		head, ok := r.queue.Dequeue()
		if !ok {
			return errors.Join(errs...)
		}
		r.released = head.TimestampNs()
		if err := r.next.Receive(ctx, head); err != nil {
			errs = append(errs, err)
		}
	}
}

// Buffered returns the number of events held back.
func (r *Receiver) Buffered() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.queue.Size()
}

// Late returns the number of events that arrived too late to be ordered.
func (r *Receiver) Late() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.late
}

func (r *Receiver) window() time.Duration {
	observed := r.lateness.Reduce(rolling.Max)
	if math.IsNaN(observed) || math.IsInf(observed, 0) || observed < 0 {
		return r.minWindow
	}
	w := time.Duration(2 * observed)
	if w < r.minWindow {
		return r.minWindow
	}
	if w > r.maxWindow {
		return r.maxWindow
	}
	return w
}
