package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ketgo/inspector/internal/chrome"
	"github.com/ketgo/inspector/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newExportCmd(a *app) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "export --in DIR --out FILE",
		Short: "Convert a recording to a Chrome trace file",
		Long:  "export writes the events of a recording, in timestamp order, as Trace Event Format JSON for chrome://tracing or Perfetto. Use --out - for stdout.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := storage.Open(in)
			if err != nil {
				return err
			}
			events, err := rec.Events(true)
			if err != nil {
				return err
			}

			var (
				dst io.Writer = cmd.OutOrStdout()
				f   *os.File
			)
			if out != "-" {
				if f, err = os.Create(out); err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}

			w := chrome.NewWriter(dst)
			for _, e := range events {
				if err := w.WriteEvent(e); err != nil {
					return err
				}
			}
			if err := w.Close(); err != nil {
				return err
			}
			if f != nil {
				if err := f.Close(); err != nil {
					return fmt.Errorf("closing %s: %w", out, err)
				}
			}
			a.logger.Info("exported", zap.String("in", in), zap.String("out", out), zap.Int("events", len(events)))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "recording directory")
	cmd.Flags().StringVar(&out, "out", "trace.json", "output file")
	cmd.MarkFlagRequired("in")
	return cmd
}
