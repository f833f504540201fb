package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ketgo/inspector/backends/file"
	"github.com/ketgo/inspector/decorators/lz4"
	"github.com/ketgo/inspector/internal/metrics"
	"github.com/ketgo/inspector/recorder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackendCmd(a *app) *cobra.Command {
	var (
		out         string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "backend --out DIR",
		Short: "Drain the event queue into a recording",
		Long:  "backend records the event queue into DIR until it receives SIGTERM or SIGINT. It is normally started by record.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// make sure the queue exists before producers start
			create := a.cfg
			create.RemoveOnExit = false
			w, err := file.NewWriter(create)
			if err != nil {
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}

			src, err := file.NewSource(a.cfg)
			if err != nil {
				return err
			}
			defer src.Close()

			m := metrics.New()
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			a.logger.Info("backend started",
				zap.String("queue", file.Path(a.cfg)),
				zap.String("out", out))
			fmt.Fprintf(cmd.OutOrStdout(), "Output: %s\n", out)

			backend := recorder.NewBackend(lz4.Decoder(src), a.cfg, out,
				recorder.WithBackendLogger(a.logger),
				recorder.WithMetrics(m),
			)
			return backend.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "recording directory")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.MarkFlagRequired("out")
	return cmd
}
