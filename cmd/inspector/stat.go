package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/ketgo/inspector/backends/file"
	"github.com/spf13/cobra"
)

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show the state of the event queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := file.Stat(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "queue\t%s\n", a.cfg.QueueName())
			fmt.Fprintf(tw, "path\t%s\n", st.Path)
			fmt.Fprintf(tw, "pending records\t%d\n", st.Records)
			fmt.Fprintf(tw, "pending bytes\t%d\n", st.PendingBytes)
			fmt.Fprintf(tw, "last counter\t%d\n", st.LastCounter)
			fmt.Fprintf(tw, "file size\t%d\n", st.FileSize)
			return tw.Flush()
		},
	}
}
