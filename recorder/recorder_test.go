//go:build unix

package recorder_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/ketgo/inspector/recorder"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

// helperArgs runs this test binary as TestHelperProcess in the given mode.
func helperArgs(mode string, extra ...string) []string {
	return append([]string{"-test.run=^TestHelperProcess$", "--", mode}, extra...)
}

// TestHelperProcess is not a real test. It stands in for the backend and
// for traced targets.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	switch args[1] {
	case "backend":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
		defer stop()
		fmt.Fprintln(os.Stderr, "ready")
		<-ctx.Done()
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stderr, "ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit":
		code, _ := strconv.Atoi(args[2])
		os.Exit(code)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func newSupervisor(t *testing.T, mode string, opts ...recorder.Option) (*recorder.Supervisor, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	opts = append([]recorder.Option{
		recorder.WithBackend(os.Args[0], helperArgs(mode)...),
		recorder.WithEnv("GO_WANT_HELPER_PROCESS=1"),
		recorder.WithLogger(zap.New(core)),
	}, opts...)
	sup, err := recorder.New(filepath.Join(t.TempDir(), "out"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.Stop(context.Background())
	})
	return sup, logs
}

// waitReady blocks until the helper backend has installed its signal
// handlers.
func waitReady(t *testing.T, sup *recorder.Supervisor) {
	t.Helper()
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(sup.OutDir(), recorder.LogFile))
		return err == nil && bytes.Contains(data, []byte("ready"))
	}, 10*time.Second, 5*time.Millisecond)
}

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Starting twice leaves one backend running and logs a warning.
func TestSupervisor_StartTwice(t *testing.T) {
	sup, logs := newSupervisor(t, "backend")
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	pid := sup.PID()
	require.NotZero(t, pid)
	waitReady(t, sup)

	require.NoError(t, sup.Start(ctx))
	assert.Equal(t, pid, sup.PID())
	assert.Equal(t, 1, logs.FilterMessage("recorder started").Len())
	assert.Equal(t, 1, logs.FilterMessage("recorder already running, ignoring start").Len())

	require.NoError(t, sup.Stop(ctx))
	assert.False(t, sup.Running())
	assert.False(t, alive(pid))
}

func TestSupervisor_StopWhenNotRunning(t *testing.T) {
	sup, logs := newSupervisor(t, "backend")

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("recorder not running, ignoring stop").Len())
}

func TestSupervisor_Restart(t *testing.T) {
	sup, _ := newSupervisor(t, "backend")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, sup.Start(ctx))
		waitReady(t, sup)
		require.NoError(t, sup.Stop(ctx))
	}
}

func TestSupervisor_KillsAfterTimeout(t *testing.T) {
	sup, logs := newSupervisor(t, "stubborn", recorder.WithStopTimeout(100*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	pid := sup.PID()
	waitReady(t, sup)

	start := time.Now()
	err := sup.Stop(ctx)
	assert.True(t, errors.Is(err, recorder.ErrKilled), "got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, alive(pid))
	assert.Equal(t, 1, logs.FilterMessage("recorder did not stop in time, killing it").Len())
}

func TestSupervisor_StartCancelled(t *testing.T) {
	sup, _ := newSupervisor(t, "backend")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sup.Start(ctx), context.Canceled)
	assert.False(t, sup.Running())
}

func TestRun_ExitCode(t *testing.T) {
	sup, _ := newSupervisor(t, "backend")

	code, err := recorder.Run(context.Background(), sup, os.Args[0], helperArgs("exit", "3")...)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.False(t, sup.Running())

	session, err := recorder.ReadSession(sup.OutDir())
	require.NoError(t, err)
	assert.Equal(t, 3, session.ExitCode)
	assert.Equal(t, os.Args[0], session.Target)
	_, err = ulid.Parse(session.ID)
	assert.NoError(t, err)
	assert.False(t, session.FinishedAt.Before(session.StartedAt))
}

func TestRun_ContextTerminatesTarget(t *testing.T) {
	sup, _ := newSupervisor(t, "backend")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	code, err := recorder.Run(ctx, sup, os.Args[0], helperArgs("sleep")...)
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
	assert.False(t, sup.Running())
}

// An interrupt sent to the wrapper terminates the target and still stops
// the recorder.
func TestRun_InterruptTerminatesTarget(t *testing.T) {
	sup, logs := newSupervisor(t, "backend")

	// keep a stray interrupt from killing the test binary once Run returns
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGINT)
	defer signal.Stop(guard)

	go func() {
		for logs.FilterMessage("target started").Len() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		syscall.Kill(os.Getpid(), syscall.SIGINT)
	}()

	code, err := recorder.Run(context.Background(), sup, os.Args[0], helperArgs("sleep")...)
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
	assert.False(t, sup.Running())
	assert.Equal(t, 1, logs.FilterMessage("terminating target").Len())
	assert.Equal(t, 1, logs.FilterMessage("recorder stopped").Len())
}

func TestRun_MissingTarget(t *testing.T) {
	sup, _ := newSupervisor(t, "backend")

	_, err := recorder.Run(context.Background(), sup, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.False(t, sup.Running())
}
