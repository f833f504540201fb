package inspector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// PollServer reads a Source with a Reader and hands every event to a
// Receiver, one at a time and in queue order.
type PollServer struct {
	src    Source
	cfg    Config
	logger *zap.Logger

	// inFlight is held while an event is read or received
	inFlight chan struct{}

	listenerCtx        context.Context
	listenerCancelFunc context.CancelFunc

	receiverCtx        context.Context
	receiverCancelFunc context.CancelFunc
}

// Ensure that PollServer implements Server
var _ Server = &PollServer{}

// ServerOption configures a PollServer.
type ServerOption func(*PollServer)

// WithServerLogger sets the logger used for receiver and queue errors.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *PollServer) {
		s.logger = l
	}
}

// NewPollServer creates and initializes a new PollServer.
func NewPollServer(src Source, cfg Config, opts ...ServerOption) *PollServer {
	listenerCtx, listenerCancelFunc := context.WithCancel(context.Background())
	receiverCtx, receiverCancelFunc := context.WithCancel(context.Background())

	s := &PollServer{
		src:    src,
		cfg:    cfg,
		logger: zap.NewNop(),

		inFlight:           make(chan struct{}, 1),
		listenerCtx:        listenerCtx,
		listenerCancelFunc: listenerCancelFunc,
		receiverCtx:        receiverCtx,
		receiverCancelFunc: receiverCancelFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve always returns a non-nil error.
// After Shutdown, the returned error is ErrServerClosed. A source that can
// not be read any more is reported as is.
func (s *PollServer) Serve(r Receiver) error {
	reader := NewReader(s.src, s.cfg)
	for {
		select {
		// shutdown listener to prevent new events from being read
		case <-s.listenerCtx.Done():
			return ErrServerClosed
		default:
		}

		s.inFlight <- struct{}{}
		if reader.Next(s.listenerCtx) {
			e := reader.Event()
			if err := r.Receive(s.receiverCtx, e); err != nil {
				s.logger.Error("receiver error",
					zap.Uint64("counter", e.Counter()),
					zap.String("event", e.Type().String()),
					zap.String("name", e.Name()),
					zap.Error(err),
				)
			}
		}
		<-s.inFlight

		err := reader.Err()
		switch {
		case err == nil:
		case s.listenerCtx.Err() != nil:
			return ErrServerClosed
		case errors.Is(err, ErrInvalidRecord), errors.Is(err, ErrQueueUnavailable):
			s.logger.Warn("skipping unreadable record", zap.Error(err))
			reader = NewReader(s.src, s.cfg)
		default:
			return err
		}
	}
}

// shutdownPollInterval is how often we poll for quiescence
// during PollServer.Shutdown.
var shutdownPollInterval = 10 * time.Millisecond

// Shutdown attempts to gracefully shut down the PollServer without
// interrupting the event in flight. When Shutdown is signalled, the
// PollServer stops reading and waits for the receiver to return.
//
// If the provided context expires before the shutdown is complete,
// then the receiver context is cancelled and the context's error
// is returned.
func (s *PollServer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		panic("invalid context (nil)")
	}
	s.listenerCancelFunc()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.receiverCancelFunc()
			return ctx.Err()

		case <-ticker.C:
			if len(s.inFlight) == 0 {
				return ErrServerClosed
			}
		}
	}
}

// Drain delivers every pending event of src to r and returns how many were
// delivered. It stops at the first empty read. Receiver errors are joined
// into the result without stopping the drain.
func Drain(ctx context.Context, src Source, r Receiver) (int, error) {
	cfg := Config{MaxReadAttempt: 1}
	reader := NewReader(src, cfg)
	var (
		n    int
		errs []error
	)
	for reader.Next(ctx) {
		n++
		if err := r.Receive(ctx, reader.Event()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := reader.Err(); err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}
