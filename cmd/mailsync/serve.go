package main

import (
	"github.com/spf13/cobra"

	"github.com/mixelka/mailsync/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a.logger.Info("starting mailsync", "version", version)

			errCh := make(chan error, 1)
			if a.cfg.MetricsAddr != "" {
				srv := metrics.NewServer(a.cfg.MetricsAddr, a.registry, a.logger)
				go func() { errCh <- srv.Run(ctx) }()
			}

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("scheduler is running, press Ctrl+C to stop")

			select {
			case <-ctx.Done():
				a.logger.Info("received shutdown signal")
			case err := <-errCh:
				if err != nil {
					a.logger.Error("metrics server failed", "error", err)
				}
			}

			a.logger.Info("shutting down...")
			a.scheduler.Stop()
			a.logger.Info("mailsync stopped")
			return nil
		},
	}
}
