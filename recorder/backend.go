package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/decorators/reorder"
	"github.com/ketgo/inspector/internal/metrics"
	"github.com/ketgo/inspector/storage"
	"go.uber.org/zap"
)

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendLogger sets the logger.
func WithBackendLogger(l *zap.Logger) BackendOption {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithMetrics records backend activity in m.
func WithMetrics(m *metrics.Metrics) BackendOption {
	return func(b *Backend) {
		b.metrics = m
	}
}

// WithDecorator wraps the receiver events are stored through, so that
// events can be exported elsewhere while they are recorded.
func WithDecorator(d func(inspector.Receiver) inspector.Receiver) BackendOption {
	return func(b *Backend) {
		b.decorators = append(b.decorators, d)
	}
}

// WithStorageOptions is passed on to storage.NewWriter.
func WithStorageOptions(opts ...storage.WriterOption) BackendOption {
	return func(b *Backend) {
		b.storageOpts = append(b.storageOpts, opts...)
	}
}

// WithShutdownTimeout bounds how long Run waits for the event in flight
// once its context is done. It defaults to one second.
func WithShutdownTimeout(d time.Duration) BackendOption {
	return func(b *Backend) {
		b.shutdownTimeout = d
	}
}

// Backend drains an event queue into a recording directory.
type Backend struct {
	src    inspector.Source
	cfg    inspector.Config
	outDir string

	logger          *zap.Logger
	metrics         *metrics.Metrics
	decorators      []func(inspector.Receiver) inspector.Receiver
	storageOpts     []storage.WriterOption
	shutdownTimeout time.Duration
}

// NewBackend creates a Backend reading src and writing to outDir.
func NewBackend(src inspector.Source, cfg inspector.Config, outDir string, opts ...BackendOption) *Backend {
	b := &Backend{
		src:             src,
		cfg:             cfg,
		outDir:          outDir,
		logger:          zap.NewNop(),
		metrics:         metrics.New(),
		shutdownTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run serves events until ctx is done, then stores whatever is still
// pending and closes the recording. Events are stored close to timestamp
// order.
func (b *Backend) Run(ctx context.Context) error {
	opts := append([]storage.WriterOption{
		storage.WithBlockHook(func(blk storage.Block) {
			b.metrics.BlocksWritten.Inc()
			b.metrics.BlockBytes.Add(float64(blk.Size))
			b.logger.Debug("block written",
				zap.String("file", blk.File),
				zap.Uint32("records", blk.Count))
		}),
	}, b.storageOpts...)
	w, err := storage.NewWriter(b.outDir, opts...)
	if err != nil {
		return err
	}

	store := inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
		if err := w.WriteEvent(e); err != nil {
			b.metrics.ReceiveErrors.Inc()
			return err
		}
		return nil
	})
	ordered := reorder.NewReceiver(store)

	var r inspector.Receiver = inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
		b.metrics.EventsReceived.WithLabelValues(e.Type().String()).Inc()
		b.metrics.ReceiveLatency.Observe(time.Since(e.Timestamp()).Seconds())
		late := ordered.Late()
		err := ordered.Receive(ctx, e)
		if n := ordered.Late() - late; n > 0 {
			b.metrics.LateEvents.Add(float64(n))
		}
		return err
	})
	for _, d := range b.decorators {
		r = d(r)
	}

	srv := inspector.NewPollServer(b.src, b.cfg, inspector.WithServerLogger(b.logger))
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(r)
	}()

	var errs []error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); !errors.Is(err, inspector.ErrServerClosed) {
			errs = append(errs, err)
		}
		cancel()
		<-served
	case err := <-served:
		errs = append(errs, err)
	}

	n, err := inspector.Drain(context.Background(), b.src, r)
	if err != nil {
		errs = append(errs, err)
	}
	if err := ordered.Flush(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := w.Close(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Info("recording closed",
		zap.String("out", b.outDir),
		zap.Int("records", w.Records()),
		zap.Int("drained", n))
	return errors.Join(errs...)
}
