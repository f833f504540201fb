package multiserver

import (
	"context"
	"math"
	"sync"
	"time"

	pq "github.com/JimWen/gods-generic/queues/priorityqueue"
	"github.com/JimWen/gods-generic/utils"
	"github.com/asecurityteam/rolling"
	"github.com/ketgo/inspector"
)

type sourceKey struct{}

// SourceFromContext returns the index of the server an event came from,
// as seen by the receiver behind a MultiServer.
func SourceFromContext(ctx context.Context) (int, bool) {
	i, ok := ctx.Value(sourceKey{}).(int)
	return i, ok
}

type pending struct {
	ctx     context.Context
	event   *inspector.TraceEvent
	source  int
	vFinish float64
	done    chan error
}

// FairReceiver hands events from several sources to one Receiver using
// weighted fair queuing (https://en.wikipedia.org/wiki/Fair_queuing).
//
// Every event is stamped with a virtual finish time: the later of the
// virtual clock and the finish time of the previous event from the same
// source, plus the estimated receive cost divided by the source weight.
// On each tick the pending event with the smallest finish time is
// delivered.
type FairReceiver struct {
	next     inspector.Receiver
	interval time.Duration
	weights  []float64
	slots    chan struct{}

	// initialCost is used, in milliseconds, until a receive has been timed
	initialCost float64
	costs       *rolling.TimePolicy

	queue      *pq.Queue[*pending]
	vTime      float64
	lastFinish []float64

	submit  chan *pending
	closing chan chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFairReceiver starts a dispatcher delivering to next with at most
// concurrency receives in flight.
func NewFairReceiver(weights []float64, concurrency int, interval time.Duration, next inspector.Receiver) *FairReceiver {
	f := &FairReceiver{
		next:        next,
		interval:    interval,
		weights:     weights,
		slots:       make(chan struct{}, concurrency),
		initialCost: 1,
		costs:       rolling.NewTimePolicy(rolling.NewWindow(10000), time.Millisecond),
		queue: pq.NewWith(func(a, b *pending) int {
			return utils.NumberComparator(a.vFinish, b.vFinish)
		}),
		vTime:      1,
		lastFinish: make([]float64, len(weights)),
		submit:     make(chan *pending),
		closing:    make(chan chan error),
		done:       make(chan struct{}),
	}
	go f.dispatch()
	return f
}

// Source returns the Receiver that server i should deliver to.
func (f *FairReceiver) Source(i int) inspector.Receiver {
	return inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
		return f.Receive(ctx, e, i)
	})
}

// Receive queues e on behalf of source and waits until it was delivered.
func (f *FairReceiver) Receive(ctx context.Context, e *inspector.TraceEvent, source int) error {
	p := &pending{
		ctx:    context.WithValue(ctx, sourceKey{}, source),
		event:  e,
		source: source,
		done:   make(chan error, 1),
	}
	select {
	case f.submit <- p:
	case <-f.done:
		return inspector.ErrClosed
	}
	return <-p.done
}

// Close delivers whatever is still queued and stops the dispatcher.
func (f *FairReceiver) Close(ctx context.Context) error {
	result := make(chan error, 1)
	select {
	case f.closing <- result:
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FairReceiver) cost() float64 {
	c := f.costs.Reduce(rolling.Avg)
	if math.IsNaN(c) || c <= 0 {
		return f.initialCost
	}
	return c
}

func (f *FairReceiver) enqueue(p *pending) {
	start := math.Max(f.vTime, f.lastFinish[p.source])
	p.vFinish = start + f.cost()/f.weights[p.source]
	f.lastFinish[p.source] = p.vFinish
	f.queue.Enqueue(p)
}

// deliver starts the next receive if a slot is free.
func (f *FairReceiver) deliver() {
	select {
	case f.slots <- struct{}{}:
	default:
		return
	}
	p, ok := f.queue.Dequeue()
	if !ok {
		<-f.slots
		return
	}
	f.vTime = math.Max(f.vTime, p.vFinish)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() { <-f.slots }()
		st := time.Now()
		err := f.next.Receive(p.ctx, p.event)
		f.costs.Append(float64(time.Since(st).Microseconds()) / 1000)
		p.done <- err
	}()
}

func (f *FairReceiver) dispatch() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case result := <-f.closing:
			close(f.done)
			for f.queue.Size() > 0 {
				f.deliver()
				if f.queue.Size() > 0 {
					time.Sleep(f.interval)
				}
			}
			f.wg.Wait()
			result <- nil
			return
		case p := <-f.submit:
			f.enqueue(p)
		case <-ticker.C:
			f.deliver()
		}
	}
}
