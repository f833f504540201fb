package main

import (
	"github.com/ketgo/inspector/backends/file"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRmCmd(a *app) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove the event queue",
		Long:  "rm deletes the event queue. Removing a queue that does not exist succeeds. With --purge the queue is kept and its pending events are dropped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if purge {
				if err := file.Purge(cmd.Context(), a.cfg); err != nil {
					return err
				}
				a.logger.Info("queue purged", zap.String("queue", a.cfg.EventQueueName))
				return nil
			}
			if err := file.Remove(a.cfg); err != nil {
				return err
			}
			a.logger.Info("queue removed", zap.String("queue", a.cfg.EventQueueName))
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "drop pending events instead of removing the queue")
	return cmd
}
