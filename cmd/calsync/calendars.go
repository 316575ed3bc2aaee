package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/engine"
)

func newCalendarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calendars",
		Short: "List cached calendars with their sync state and cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background())
			if err != nil {
				return err
			}
			defer a.Close()
			return printStatuses(cmd.OutOrStdout(), a)
		},
	}
}

func printStatuses(out io.Writer, a *app) error {
	cals, err := a.store.Calendars(context.Background())
	if err != nil {
		return err
	}
	statuses := make(map[int64]engine.Status)
	for _, st := range a.coord.Statuses() {
		statuses[st.CalendarID] = st
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tCURSOR\tLAST SYNC\tERROR")
	for _, c := range cals {
		// The stored cursor is authoritative; engines only learn it on
		// their first run.
		cursor := "-"
		if cur, ok, err := a.store.Cursor(context.Background(), c.ID); err != nil {
			return err
		} else if ok && cur.SinceMs > 0 {
			cursor = time.UnixMilli(cur.SinceMs).UTC().Format(time.RFC3339)
		}

		st, ok := statuses[c.ID]
		if !ok {
			fmt.Fprintf(tw, "%d\t%s\t-\t%s\t-\t\n", c.ID, c.Name, cursor)
			continue
		}
		last := "-"
		if !st.LastSync.IsZero() {
			last = st.LastSync.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, st.State, cursor, last, st.LastError)
	}
	return tw.Flush()
}
