package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/backends/file"
	"github.com/ketgo/inspector/decorators/lz4"
	"github.com/ketgo/inspector/decorators/reorder"
	"github.com/ketgo/inspector/storage"
	"github.com/ketgo/inspector/x/multiserver"
	"github.com/spf13/cobra"
)

var phaseColors = map[inspector.EventType]*color.Color{
	inspector.SyncBegin:     color.New(color.FgGreen),
	inspector.SyncEnd:       color.New(color.FgRed),
	inspector.AsyncBegin:    color.New(color.FgGreen, color.Faint),
	inspector.AsyncInstance: color.New(color.FgCyan),
	inspector.AsyncEnd:      color.New(color.FgRed, color.Faint),
	inspector.FlowBegin:     color.New(color.FgMagenta),
	inspector.FlowInstance:  color.New(color.FgMagenta),
	inspector.FlowEnd:       color.New(color.FgMagenta, color.Bold),
	inspector.Counter:       color.New(color.FgYellow),
}

// printer writes one line per event.
type printer struct {
	w     io.Writer
	color bool
}

func (p *printer) Receive(_ context.Context, e *inspector.TraceEvent) error {
	line := e.String()
	if c, ok := phaseColors[e.Type()]; ok && p.color {
		line = c.Sprint(line)
	}
	_, err := fmt.Fprintf(p.w, "%d\t%s\tpid=%d tid=%d\t%s\n",
		e.Counter(), e.Timestamp().Format(time.RFC3339Nano), e.PID(), e.TID(), line)
	return err
}

func newLsCmd(a *app) *cobra.Command {
	var (
		in            string
		chronological bool
		follow        bool
	)
	cmd := &cobra.Command{
		Use:   "ls [QUEUE...]",
		Short: "Print trace events",
		Long: "ls prints the events pending in the named queues, or in the configured queue when none is named. " +
			"Events are consumed: queues share one read cursor, so a running backend and ls split the events between them. " +
			"With --in the events of a recording are printed instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &printer{w: cmd.OutOrStdout(), color: isTerminal(os.Stdout) && !color.NoColor}

			if in != "" {
				rec, err := storage.Open(in)
				if err != nil {
					return err
				}
				events, err := rec.Events(chronological)
				if err != nil {
					return err
				}
				for _, e := range events {
					if err := p.Receive(cmd.Context(), e); err != nil {
						return err
					}
				}
				return nil
			}

			sources, err := openSources(a.cfg, args)
			if err != nil {
				return err
			}
			defer func() {
				for _, src := range sources {
					src.Close()
				}
			}()

			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
				defer stop()
				return followSources(ctx, a.cfg, sources, p, chronological)
			}
			return drainSources(cmd.Context(), sources, p, chronological)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "print a recording directory instead of a queue")
	cmd.Flags().BoolVar(&chronological, "chronological", false, "order events by timestamp instead of queue order")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events until interrupted")
	return cmd
}

func openSources(cfg inspector.Config, names []string) ([]inspector.Source, error) {
	if len(names) == 0 {
		names = []string{cfg.EventQueueName}
	}
	var sources []inspector.Source
	for _, name := range names {
		c := cfg
		c.EventQueueName = name
		src, err := file.NewSource(c)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		sources = append(sources, lz4.Decoder(src))
	}
	return sources, nil
}

func drainSources(ctx context.Context, sources []inspector.Source, p *printer, chronological bool) error {
	var (
		events []*inspector.TraceEvent
		errs   []error
	)
	collect := inspector.ReceiverFunc(func(_ context.Context, e *inspector.TraceEvent) error {
		events = append(events, e)
		return nil
	})
	for _, src := range sources {
		if _, err := inspector.Drain(ctx, src, collect); err != nil {
			errs = append(errs, err)
		}
	}
	if chronological {
		slices.SortStableFunc(events, func(a, b *inspector.TraceEvent) int {
			return cmp.Compare(a.TimestampNs(), b.TimestampNs())
		})
	}
	for _, e := range events {
		if err := p.Receive(ctx, e); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func followSources(ctx context.Context, cfg inspector.Config, sources []inspector.Source, p *printer, chronological bool) error {
	var r inspector.Receiver = p
	var ordered *reorder.Receiver
	if chronological {
		ordered = reorder.NewReceiver(p)
		r = ordered
	}

	weights := make([]multiserver.ServerWeight, 0, len(sources))
	for _, src := range sources {
		weights = append(weights, multiserver.ServerWeight{
			Server: inspector.NewPollServer(src, cfg),
			Weight: 1,
		})
	}
	srv, err := multiserver.NewMultiServer(weights)
	if err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(r)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); !errors.Is(err, inspector.ErrServerClosed) {
			return err
		}
		<-served
	case err := <-served:
		if !errors.Is(err, inspector.ErrServerClosed) {
			return err
		}
	}
	if ordered != nil {
		return ordered.Flush(context.Background())
	}
	return nil
}
