package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// SessionFile holds the Session of the last Run inside the output
// directory.
const SessionFile = "session.mp"

// Session describes one recorded run of a target.
type Session struct {
	ID         string    `msgpack:"id"`
	Target     string    `msgpack:"target"`
	Args       []string  `msgpack:"args"`
	StartedAt  time.Time `msgpack:"started_at"`
	FinishedAt time.Time `msgpack:"finished_at"`
	ExitCode   int       `msgpack:"exit_code"`
}

// ReadSession loads the session written by Run into dir.
func ReadSession(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, SessionFile))
	if err != nil {
		return nil, err
	}
	s := &Session{}
	if err := msgpack.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("recorder: reading session: %w", err)
	}
	return s, nil
}

// Run starts sup, runs target with args until it exits and stops sup. It
// returns the target's exit code.
//
// The target runs in its own process group with the wrapper's standard
// streams. SIGINT and SIGTERM received by the wrapper, and ctx being done,
// terminate the target instead of the wrapper so the recorder is always
// stopped. A failure to stop the recorder is logged and does not change
// the exit code.
func Run(ctx context.Context, sup *Supervisor, target string, args ...string) (int, error) {
	if err := sup.Start(ctx); err != nil {
		return -1, err
	}
	defer func() {
		if err := sup.Stop(context.Background()); err != nil {
			sup.logger.Error("stopping recorder", zap.Error(err))
		}
	}()

	session := Session{
		ID:        ulid.Make().String(),
		Target:    target,
		Args:      args,
		StartedAt: time.Now(),
	}

	cmd := exec.Command(target, args...)
	cmd.Env = append(os.Environ(), sup.env...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	detach(cmd)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("recorder: starting target: %w", err)
	}
	sup.logger.Info("target started",
		zap.String("session", session.ID),
		zap.String("target", target),
		zap.Int("pid", cmd.Process.Pid))

	waited := make(chan error, 1)
	go func() {
		waited <- cmd.Wait()
	}()

	var waitErr error
	done := ctx.Done()
loop:
	for {
		select {
		case waitErr = <-waited:
			break loop
		case sig := <-sigs:
			sup.logger.Info("terminating target", zap.Stringer("signal", sig))
			if err := terminate(cmd.Process); err != nil {
				sup.logger.Warn("terminating target", zap.Error(err))
			}
		case <-done:
			done = nil
			sup.logger.Info("terminating target", zap.Error(ctx.Err()))
			if err := terminate(cmd.Process); err != nil {
				sup.logger.Warn("terminating target", zap.Error(err))
			}
		}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return -1, fmt.Errorf("recorder: waiting for target: %w", waitErr)
	}
	session.ExitCode = exitCode(cmd.ProcessState)
	session.FinishedAt = time.Now()

	if err := writeSession(sup.outDir, &session); err != nil {
		sup.logger.Error("writing session", zap.Error(err))
	}
	sup.logger.Info("target exited",
		zap.String("session", session.ID),
		zap.Int("code", session.ExitCode),
		zap.Duration("elapsed", session.FinishedAt.Sub(session.StartedAt)))
	return session.ExitCode, nil
}

func writeSession(dir string, s *Session) error {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SessionFile), data, 0o644)
}
