package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newFlushCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Upload everything queued in the data directory",
		Long:  "Open the queue in the data directory and upload it in batches until it is empty or an upload fails. Events that could not be uploaded stay queued.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			// Drain does the uploading; keep threshold and interval triggers out of the way.
			cfg.FlushThreshold = cfg.MaxQueueSize
			cfg.FlushInterval = 24 * time.Hour

			ctx, cancel := signalContext()
			defer cancel()

			s, err := flags.openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			queued := s.client.Size()
			s.logger.Info("flushing queue", "queue_size", queued)

			drainErr := s.client.Drain(ctx)
			if err := s.close(); err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), s.client.Stats(), s.client.Size())
			return drainErr
		},
	}
}
