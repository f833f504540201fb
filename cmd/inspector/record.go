package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ketgo/inspector/recorder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRecordCmd(a *app) *cobra.Command {
	var (
		out         string
		stopTimeout = recorder.DefaultStopTimeout
	)
	cmd := &cobra.Command{
		Use:   "record [flags] -- TARGET [ARGS...]",
		Short: "Run a program with the recorder backend attached",
		Long: "record starts the recorder backend, runs TARGET until it exits and stops the backend. " +
			"The recording is written to --out, or to a new temporary directory. " +
			"record exits with the exit code of TARGET.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				dir, err := os.MkdirTemp("", "inspector-")
				if err != nil {
					return err
				}
				out = dir
			}
			exe, err := os.Executable()
			if err != nil {
				return err
			}

			env := []string{
				"INSPECTOR_EVENT_QUEUE_NAME=" + a.cfg.EventQueueName,
				"INSPECTOR_QUEUE_DIR=" + a.cfg.Dir,
				"INSPECTOR_QUEUE_CAPACITY=" + strconv.FormatInt(a.cfg.Capacity, 10),
			}
			backendArgs := []string{"backend", "--log-level", a.logLevel}
			if a.configFile != "" {
				backendArgs = append(backendArgs, "--config", a.configFile)
			}
			sup, err := recorder.New(out,
				recorder.WithBackend(exe, backendArgs...),
				recorder.WithEnv(env...),
				recorder.WithLogger(a.logger),
				recorder.WithStopTimeout(stopTimeout),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGHUP)
			defer stop()

			code, err := recorder.Run(ctx, sup, args[0], args[1:]...)
			if err != nil {
				return err
			}
			a.logger.Info("trace data stored", zap.String("out", out))
			fmt.Fprintf(cmd.OutOrStdout(), "Recording: %s\n", out)
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "recording directory")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", stopTimeout, "time the backend gets to finish before it is killed")
	return cmd
}
