// Package recorder runs the recorder backend next to a traced program.
//
// A Supervisor owns one backend process that drains the event queue into a
// recording directory. Run wraps a target program with a Supervisor so
// that the backend is up before the target starts and is stopped, on every
// exit path, after it ends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// LogFile receives the backend's stderr inside the output directory.
	LogFile = "trace.log"

	// DefaultStopTimeout is how long Stop waits after SIGTERM before the
	// backend is killed.
	DefaultStopTimeout = 10 * time.Second
)

// ErrKilled is returned by Stop when the backend had to be killed.
var ErrKilled = errors.New("recorder: backend killed")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBackend sets the backend command. The default runs the current
// executable with the "backend" subcommand.
func WithBackend(path string, args ...string) Option {
	return func(s *Supervisor) {
		s.backend = path
		s.backendArgs = args
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithStopTimeout bounds how long Stop waits for the backend to exit on
// its own.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithEnv adds KEY=value pairs to the environment of the backend and of
// targets started by Run.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

// Supervisor starts and stops the recorder backend.
// Start and Stop are idempotent.
type Supervisor struct {
	outDir      string
	backend     string
	backendArgs []string
	env         []string
	logger      *zap.Logger
	stopTimeout time.Duration

	mux sync.Mutex
	run *backendRun
}

// backendRun is one launched backend process.
type backendRun struct {
	cmd    *exec.Cmd
	stderr *os.File

	// exited is closed once err holds the result of cmd.Wait
	exited chan struct{}
	err    error
}

// New creates a Supervisor writing its recording to outDir.
func New(outDir string, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		outDir:      outDir,
		logger:      zap.NewNop(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("recorder: locating backend: %w", err)
		}
		s.backend = exe
		s.backendArgs = []string{"backend"}
	}
	return s, nil
}

// OutDir returns the recording directory.
func (s *Supervisor) OutDir() string {
	return s.outDir
}

// Env returns the extra environment passed to the backend and targets.
func (s *Supervisor) Env() []string {
	return append([]string(nil), s.env...)
}

// Running reports whether a backend process is up.
func (s *Supervisor) Running() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.run != nil
}

// PID returns the backend's process id, or 0 when it is not running.
func (s *Supervisor) PID() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.run == nil {
		return 0
	}
	return s.run.cmd.Process.Pid
}

// Start launches the backend with --out set to the output directory and
// its stderr in LogFile. Starting a running Supervisor logs a warning and
// does nothing.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.run != nil {
		s.logger.Warn("recorder already running, ignoring start",
			zap.Int("pid", s.run.cmd.Process.Pid))
		return nil
	}

	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	stderr, err := os.Create(filepath.Join(s.outDir, LogFile))
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	args := append(append([]string(nil), s.backendArgs...), "--out="+s.outDir)
	cmd := exec.Command(s.backend, args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = stderr
	detach(cmd)

	if err := cmd.Start(); err != nil {
		stderr.Close()
		return fmt.Errorf("recorder: starting backend: %w", err)
	}
	s.logger.Info("recorder started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("out", s.outDir))

	run := &backendRun{cmd: cmd, stderr: stderr, exited: make(chan struct{})}
	go func() {
		run.err = cmd.Wait()
		close(run.exited)
	}()
	s.run = run
	return nil
}

// Stop asks the backend to exit with SIGTERM and waits for it. If it has
// not exited after the stop timeout, or once ctx is done, it is killed.
// Stopping a Supervisor that is not running logs a warning and does
// nothing.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mux.Lock()
	run := s.run
	s.run = nil
	s.mux.Unlock()

	if run == nil {
		s.logger.Warn("recorder not running, ignoring stop")
		return nil
	}
	cmd := run.cmd

	var errs []error
	if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, err)
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	killed := false
	select {
	case <-run.exited:
	case <-timer.C:
		killed = true
	case <-ctx.Done():
		killed = true
	}
	if killed {
		s.logger.Warn("recorder did not stop in time, killing it",
			zap.Int("pid", cmd.Process.Pid),
			zap.Duration("timeout", s.stopTimeout))
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
		<-run.exited
		errs = append(errs, ErrKilled)
	}

	if err := run.stderr.Close(); err != nil {
		errs = append(errs, err)
	}
	if !killed && run.err != nil {
		errs = append(errs, fmt.Errorf("recorder: backend: %w", run.err))
	}
	s.logger.Info("recorder stopped", zap.String("out", s.outDir))
	return errors.Join(errs...)
}
