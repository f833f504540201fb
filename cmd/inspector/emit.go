package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/backends/file"
	"github.com/ketgo/inspector/decorators/lz4"
	"github.com/spf13/cobra"
)

// parseArg turns a command line value into an int64, a float64 or a
// string, in that order of preference.
func parseArg(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func newEmitCmd(a *app) *cobra.Command {
	var (
		kwargs   []string
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "emit TYPE NAME [ARG...]",
		Short: "Write one trace event to the queue",
		Long: "emit writes a single event, for instance from a shell script. TYPE is an event name such as sync_begin " +
			"or a phase letter such as B. Arguments that parse as numbers are sent as numbers.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := inspector.ParseEventType(args[0])
			if err != nil {
				return err
			}
			values := make([]any, 0, len(args)-2+len(kwargs))
			for _, s := range args[2:] {
				values = append(values, parseArg(s))
			}
			for _, kv := range kwargs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --kw %q, expected key=value", kv)
				}
				values = append(values, inspector.Kw(k, parseArg(v)))
			}

			fw, err := file.NewWriter(a.cfg)
			if err != nil {
				return err
			}
			var w inspector.Writer = fw
			if compress {
				w = lz4.Encoder(fw)
			}
			defer w.Close()

			return inspector.NewTracer(w, a.cfg, inspector.WithLogger(a.logger)).
				EmitContext(cmd.Context(), typ, args[1], values...)
		},
	}
	cmd.Flags().StringArrayVar(&kwargs, "kw", nil, "keyword argument as key=value (repeatable)")
	cmd.Flags().BoolVar(&compress, "compress", false, "lz4 compress the record")
	return cmd
}
