package inspector

import (
	"context"
	"errors"
)

var (
	// ErrQueueNotFound is returned when a Source is attached to a queue
	// that does not exist.
	ErrQueueNotFound = errors.New("inspector: queue not found")

	// ErrQueueFull is returned by Write when the queue has no room left
	// for the record.
	ErrQueueFull = errors.New("inspector: queue full")

	// ErrQueueUnavailable is returned when there is no queue to write to
	// or the queue could not be locked in time.
	ErrQueueUnavailable = errors.New("inspector: queue unavailable")

	// ErrEmpty is returned by Consume when no record is pending.
	ErrEmpty = errors.New("inspector: queue empty")

	// ErrClosed is the error used for operations on a closed handle.
	ErrClosed = errors.New("inspector: handle closed")

	// ErrInvalidRecord marks a record that could not be decoded.
	ErrInvalidRecord = errors.New("inspector: invalid record")
)

// A Record is one encoded event together with the counter the queue
// assigned to it.
type Record struct {
	Counter uint64
	Data    []byte
}

// A Writer appends encoded events to a named queue.
//
// Write appends data as a single record and returns the counter assigned
// to it. Counters increase strictly across every writer of the same queue.
// Write never waits for a reader: a full queue fails with ErrQueueFull and a
// queue that can not be locked in time fails with ErrQueueUnavailable.
//
// Multiple goroutines may invoke Write simultaneously. Once Close has been
// called every subsequent call returns ErrClosed.
type Writer interface {
	Write(ctx context.Context, data []byte) (uint64, error)
	Close() error
}

// A Source hands out the records of a named queue in the order they were
// written. All sources attached to one queue share a single read cursor.
//
// Consume returns ErrEmpty instead of waiting when nothing is pending;
// polling is left to Reader.
type Source interface {
	Consume(ctx context.Context) (Record, error)
	Close() error
}

// A Receiver processes a TraceEvent.
//
// Receive should process the event and then return. An error is logged by
// the server; events are not redelivered since the queue cursor has already
// moved past them.
type Receiver interface {
	Receive(context.Context, *TraceEvent) error
}

// The ReceiverFunc is an adapter to allow the use of ordinary functions
// as a Receiver. ReceiverFunc(f) is a Receiver that calls f.
type ReceiverFunc func(context.Context, *TraceEvent) error

// Receive calls f(ctx, e)
func (f ReceiverFunc) Receive(ctx context.Context, e *TraceEvent) error {
	return f(ctx, e)
}

// ErrServerClosed represents a completed Shutdown
var ErrServerClosed = errors.New("inspector: server closed")

// A Server serves events to a receiver.
type Server interface {
	// Serve is a blocking function that reads events from a queue and
	// calls Receive() on the provided receiver with a Context derived from
	// context.Background().
	//
	// Serve will return ErrServerClosed after Shutdown completes. Other
	// errors report a queue that can no longer be read.
	Serve(Receiver) error

	// Shutdown gracefully shuts down the Server by letting the event in
	// flight finish processing. If the provided context cancels before
	// shutdown is complete, the Context's error is returned.
	Shutdown(context.Context) error
}
