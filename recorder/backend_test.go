package recorder_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/internal/metrics"
	"github.com/ketgo/inspector/mem"
	"github.com/ketgo/inspector/recorder"
	"github.com/ketgo/inspector/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend_RecordsQueue(t *testing.T) {
	cfg := inspector.DefaultConfig()
	cfg.EventQueueName = "backend-test-" + uuid.NewString()
	cfg.MaxReadAttempt = 2
	cfg.PollingInterval = time.Millisecond

	w, err := mem.NewWriter(cfg)
	require.NoError(t, err)
	src, err := mem.NewSource(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Remove(cfg) })
	tracer := inspector.NewTracer(w, cfg)

	require.NoError(t, tracer.SyncBegin("before", 1))
	require.NoError(t, tracer.SyncEnd("before"))

	out := t.TempDir()
	m := metrics.New()
	var decorated int
	backend := recorder.NewBackend(src, cfg, out,
		recorder.WithMetrics(m),
		recorder.WithStorageOptions(storage.WithBlockSize(32)),
		recorder.WithDecorator(func(next inspector.Receiver) inspector.Receiver {
			return inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
				decorated++
				return next.Receive(ctx, e)
			})
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- backend.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsReceived.WithLabelValues("sync_end")) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, tracer.Counter("after", 7))
	cancel()
	require.NoError(t, <-done)

	rec, err := storage.Open(out)
	require.NoError(t, err)
	events, err := rec.Events(true)
	require.NoError(t, err)

	var got []string
	for _, e := range events {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{"B|before|1", "E|before", "C|after|7"}, got)
	assert.Equal(t, 3, decorated)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("counter")))
	assert.Positive(t, testutil.ToFloat64(m.BlocksWritten))
}
