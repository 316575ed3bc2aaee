package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		calendarID int64
		full       bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		Long: `Refresh the calendar list and pull changes for every synced calendar,
or for one calendar with --calendar. Pending local mutations are sent first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if calendarID != 0 {
				if _, err := a.engine(ctx, calendarID); err != nil {
					return err
				}
				if err := a.coord.SyncCalendar(ctx, calendarID, full); err != nil {
					return err
				}
			} else {
				if full {
					return errors.New("--full needs --calendar")
				}
				if _, err := a.coord.Refresh(ctx); err != nil {
					return err
				}
				if err := a.coord.SyncAll(ctx); err != nil {
					return err
				}
			}
			return printStatuses(cmd.OutOrStdout(), a)
		},
	}

	cmd.Flags().Int64Var(&calendarID, "calendar", 0, "Sync only this calendar id")
	cmd.Flags().BoolVar(&full, "full", false, "Discard the cursor and fetch everything again")
	return cmd
}
