package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/ics"
	"calsync/internal/store"
)

func newExportCmd() *cobra.Command {
	var (
		calendarID int64
		output     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the cached events of a calendar as ICS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cal, err := a.store.Calendar(ctx, calendarID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("calendar %d is not cached; run sync first", calendarID)
			}
			if err != nil {
				return err
			}
			events, err := a.store.Events(ctx, calendarID)
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			_, err = io.WriteString(out, ics.Export(*cal, events, time.Now()))
			return err
		},
	}

	cmd.Flags().Int64Var(&calendarID, "calendar", 0, "Calendar id to export")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	_ = cmd.MarkFlagRequired("calendar")
	return cmd
}
