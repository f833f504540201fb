package inspector_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ketgo/inspector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollServer_ServeInOrder(t *testing.T) {
	cfg := inspector.DefaultConfig()
	cfg.PollingInterval = time.Millisecond
	w, src := memQueue(t, cfg)
	tracer := inspector.NewTracer(w, cfg)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, tracer.Counter("seq", i))
	}

	srv := inspector.NewPollServer(src, cfg)
	got := make(chan int64, n)
	go func() {
		srv.Serve(inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
			got <- e.DebugArgs()[0].Int64()
			return nil
		}))
	}()

	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			if v != int64(i) {
				t.Fatalf("expected %d, got %d", i, v)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, inspector.ErrServerClosed, srv.Shutdown(ctx))
}

// A failing receiver is logged and does not stop the server.
func TestPollServer_ReceiverErrorContinues(t *testing.T) {
	cfg := inspector.DefaultConfig()
	cfg.PollingInterval = time.Millisecond
	w, src := memQueue(t, cfg)
	tracer := inspector.NewTracer(w, cfg)

	require.NoError(t, tracer.AsyncBegin("first"))
	require.NoError(t, tracer.AsyncBegin("second"))

	srv := inspector.NewPollServer(src, cfg)
	names := make(chan string, 2)
	go func() {
		srv.Serve(inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
			names <- e.Name()
			return errors.New("could not complete transaction")
		}))
	}()

	assert.Equal(t, "first", <-names)
	assert.Equal(t, "second", <-names)
	srv.Shutdown(context.Background())
}

func TestPollServer_ServeReturnsServerClosed(t *testing.T) {
	cfg := inspector.DefaultConfig()
	cfg.PollingInterval = time.Millisecond
	_, src := memQueue(t, cfg)

	srv := inspector.NewPollServer(src, cfg)
	done := make(chan error)
	go func() {
		done <- srv.Serve(inspector.ReceiverFunc(func(context.Context, *inspector.TraceEvent) error {
			return nil
		}))
	}()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, inspector.ErrServerClosed, srv.Shutdown(context.Background()))

	select {
	case err := <-done:
		assert.Equal(t, inspector.ErrServerClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

// TestPollServer_ShutdownContextTimeoutExceeded tests that the PollServer
// can use a Context to shut down before its receiver has finished.
func TestPollServer_ShutdownContextTimeoutExceeded(t *testing.T) {
	cfg := inspector.DefaultConfig()
	w, src := memQueue(t, cfg)
	tracer := inspector.NewTracer(w, cfg)
	require.NoError(t, tracer.SyncBegin("slow"))

	srv := inspector.NewPollServer(src, cfg)
	var wg sync.WaitGroup
	wg.Add(1)
	receiver := inspector.ReceiverFunc(func(ctx context.Context, e *inspector.TraceEvent) error {
		defer wg.Done()

		// set a fast timeout so srv doesn't have enough time to finish
		sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if err := srv.Shutdown(sctx); err == inspector.ErrServerClosed {
			t.Error("expected context timeout")
		}
		if ctx.Err() == nil {
			t.Error("expected receiver context to be cancelled")
		}
		return nil
	})

	if err := srv.Serve(receiver); err != inspector.ErrServerClosed {
		t.Fatalf("expected %v, got %v", inspector.ErrServerClosed, err)
	}
	wg.Wait()
}

func TestDrain(t *testing.T) {
	cfg := inspector.DefaultConfig()
	w, src := memQueue(t, cfg)
	tracer := inspector.NewTracer(w, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, tracer.Counter("pending", i))
	}

	var names []string
	n, err := inspector.Drain(context.Background(), src, inspector.ReceiverFunc(
		func(_ context.Context, e *inspector.TraceEvent) error {
			names = append(names, e.Name())
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, names, 3)
}
