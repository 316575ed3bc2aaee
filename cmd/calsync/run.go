package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "calsync/internal/log"
	"calsync/internal/web"
)

func newRunCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync on the configured schedule and serve the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				a.cfg.Listen = listen
			}

			appLog.Info("calsync starting", "version", version)
			if err := a.coord.Start(ctx, a.cfg.Sync.Refresh); err != nil {
				return err
			}

			srv := web.NewServer(a.cfg, a.coord, a.store)
			err = srv.Serve(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("HTTP server stopped", err)
				return err
			}
			appLog.Info("calsync exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}
