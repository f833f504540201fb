// Package mem implements named event queues inside the current process.
// It backs tests and programs whose producers and consumer share a process.
package mem

import (
	"context"
	"sync"

	"github.com/ketgo/inspector"
)

// registry maps queue names to live queues.
var registry = struct {
	sync.Mutex
	queues map[string]*queue
}{queues: make(map[string]*queue)}

type queue struct {
	mux      sync.Mutex
	records  []inspector.Record
	size     int64
	capacity int64
	next     uint64

	// owners counts open handles configured with RemoveOnExit
	owners int
}

func attach(cfg inspector.Config, create bool) (*queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry.Lock()
	defer registry.Unlock()

	name := cfg.QueueName()
	q, ok := registry.queues[name]
	if !ok {
		if !create {
			return nil, inspector.ErrQueueNotFound
		}
		q = &queue{capacity: cfg.Capacity}
		registry.queues[name] = q
	}
	if cfg.RemoveOnExit {
		q.owners++
	}
	return q, nil
}

// Remove deletes the named queue. Removing a queue that does not exist is
// not an error.
func Remove(cfg inspector.Config) error {
	registry.Lock()
	defer registry.Unlock()

	delete(registry.queues, cfg.QueueName())
	return nil
}

// Len returns the number of pending records of the named queue.
func Len(cfg inspector.Config) (int, error) {
	registry.Lock()
	q, ok := registry.queues[cfg.QueueName()]
	registry.Unlock()
	if !ok {
		return 0, inspector.ErrQueueNotFound
	}

	q.mux.Lock()
	defer q.mux.Unlock()
	return len(q.records), nil
}

// handle is the state shared by Writer and Source.
type handle struct {
	name         string
	q            *queue
	removeOnExit bool

	closed bool
	mux    sync.Mutex
}

func (h *handle) Close() error {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.closed {
		return inspector.ErrClosed
	}
	h.closed = true

	if !h.removeOnExit {
		return nil
	}
	registry.Lock()
	defer registry.Unlock()

	h.q.owners--
	if h.q.owners <= 0 && registry.queues[h.name] == h.q {
		delete(registry.queues, h.name)
	}
	return nil
}

// Writer appends records to a named in-process queue.
type Writer struct {
	handle
}

// Ensure that Writer implements inspector.Writer
var _ inspector.Writer = &Writer{}

// NewWriter attaches to the named queue, creating it if absent.
func NewWriter(cfg inspector.Config) (*Writer, error) {
	q, err := attach(cfg, true)
	if err != nil {
		return nil, err
	}
	return &Writer{handle{name: cfg.QueueName(), q: q, removeOnExit: cfg.RemoveOnExit}}, nil
}

// Write appends a copy of data to the queue.
func (w *Writer) Write(ctx context.Context, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mux.Lock()
	defer w.mux.Unlock()

	if w.closed {
		return 0, inspector.ErrClosed
	}

	q := w.q
	q.mux.Lock()
	defer q.mux.Unlock()

	if q.size+int64(len(data)) > q.capacity {
		return 0, inspector.ErrQueueFull
	}
	q.next++
	q.records = append(q.records, inspector.Record{
		Counter: q.next,
		Data:    append([]byte(nil), data...),
	})
	q.size += int64(len(data))
	return q.next, nil
}

// Source consumes records from a named in-process queue.
type Source struct {
	handle
}

// Ensure that Source implements inspector.Source
var _ inspector.Source = &Source{}

// NewSource attaches to an existing queue. It fails with
// inspector.ErrQueueNotFound when the queue does not exist.
func NewSource(cfg inspector.Config) (*Source, error) {
	q, err := attach(cfg, false)
	if err != nil {
		return nil, err
	}
	return &Source{handle{name: cfg.QueueName(), q: q, removeOnExit: cfg.RemoveOnExit}}, nil
}

// Consume pops the oldest record or returns inspector.ErrEmpty.
func (s *Source) Consume(ctx context.Context) (inspector.Record, error) {
	if err := ctx.Err(); err != nil {
		return inspector.Record{}, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return inspector.Record{}, inspector.ErrClosed
	}

	q := s.q
	q.mux.Lock()
	defer q.mux.Unlock()

	if len(q.records) == 0 {
		return inspector.Record{}, inspector.ErrEmpty
	}
	rec := q.records[0]
	q.records[0] = inspector.Record{}
	q.records = q.records[1:]
	q.size -= int64(len(rec.Data))
	return rec, nil
}
