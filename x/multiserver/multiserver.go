// Package multiserver fans several event queues into one Receiver.
//
// Each underlying server is given a weight. When more than one queue has
// events waiting, events are handed on in proportion to those weights using
// weighted fair queuing, so a busy queue can not starve a quiet one.
package multiserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ketgo/inspector"
	"golang.org/x/sync/errgroup"
)

// MultiServer serves events from multiple underlying servers to a single
// receiver.
type MultiServer struct {
	servers       []inspector.Server
	weights       []float64
	concurrency   int
	queueWaitTime time.Duration

	mux  sync.Mutex
	fair *FairReceiver
}

// ServerWeight pairs a server with its share of the receiver.
type ServerWeight struct {
	Server inspector.Server
	Weight float64
}

// MultiServerOption is a functional option for the MultiServer.
type MultiServerOption func(*MultiServer)

// WithQueueWaitTime sets how long events are collected before the next one
// is picked. Longer waits improve fairness, shorter ones latency.
func WithQueueWaitTime(d time.Duration) MultiServerOption {
	return func(m *MultiServer) {
		m.queueWaitTime = d
	}
}

// WithConcurrency sets how many events may be inside the receiver at once.
// The default of 1 keeps receivers that are not safe for concurrent use
// correct.
func WithConcurrency(n int) MultiServerOption {
	return func(m *MultiServer) {
		m.concurrency = n
	}
}

// Ensure that MultiServer implements inspector.Server
var _ inspector.Server = &MultiServer{}

// NewMultiServer creates a new MultiServer over the given servers.
func NewMultiServer(serverWeights []ServerWeight, opts ...MultiServerOption) (*MultiServer, error) {
	if len(serverWeights) == 0 {
		return nil, errors.New("multiserver: no servers")
	}

	m := &MultiServer{
		concurrency:   1,
		queueWaitTime: time.Millisecond,
	}
	for _, sw := range serverWeights {
		if sw.Server == nil {
			return nil, errors.New("multiserver: nil server")
		}
		if !(sw.Weight > 0) {
			return nil, errors.New("multiserver: weights must be greater than 0")
		}
		m.servers = append(m.servers, sw.Server)
		m.weights = append(m.weights, sw.Weight)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.concurrency <= 0 {
		return nil, errors.New("multiserver: concurrency must be greater than 0")
	}
	return m, nil
}

// Serve blocks until every underlying server has returned. The first
// error other than inspector.ErrServerClosed is returned, otherwise
// inspector.ErrServerClosed.
func (m *MultiServer) Serve(r inspector.Receiver) error {
	fair := NewFairReceiver(m.weights, m.concurrency, m.queueWaitTime, r)
	m.mux.Lock()
	m.fair = fair
	m.mux.Unlock()

	var g errgroup.Group
	for i, s := range m.servers {
		g.Go(func() error {
			err := s.Serve(fair.Source(i))
			if errors.Is(err, inspector.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return inspector.ErrServerClosed
}

// Shutdown shuts down every underlying server and then stops the
// dispatcher.
func (m *MultiServer) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range m.servers {
		g.Go(func() error {
			err := s.Shutdown(ctx)
			if errors.Is(err, inspector.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.mux.Lock()
	fair := m.fair
	m.mux.Unlock()
	if fair != nil {
		if err := fair.Close(ctx); err != nil {
			return err
		}
	}
	return inspector.ErrServerClosed
}
