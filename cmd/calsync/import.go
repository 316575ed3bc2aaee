package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/engine"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
)

func newImportCmd() *cobra.Command {
	var calendarID int64

	cmd := &cobra.Command{
		Use:   "import --calendar ID FILE.ics",
		Short: "Create or update events of a calendar from an ICS file",
		Long: `Parse an ICS file and submit every VEVENT as a local mutation. Events
already cached (same UID) are updated, others created. Recurrence overrides
become child events of their master.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			loc, err := time.LoadLocation(a.cfg.Timezone)
			if err != nil {
				return err
			}
			events, err := ics.ParseICS(calendarID, body, loc)
			if err != nil {
				return err
			}
			e, err := a.engine(ctx, calendarID)
			if err != nil {
				return err
			}

			created, updated, errs := importEvents(ctx, e, a.store, events)
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d, failed %d\n", created, updated, len(errs))
			return errors.Join(errs...)
		},
	}

	cmd.Flags().Int64Var(&calendarID, "calendar", 0, "Target calendar id")
	_ = cmd.MarkFlagRequired("calendar")
	return cmd
}

type eventLookup interface {
	Event(ctx context.Context, eventID string) (*model.Event, error)
}

// importEvents submits masters before their children so parent links
// resolve.
func importEvents(ctx context.Context, e *engine.Engine, st eventLookup, events []model.Event) (created, updated int, errs []error) {
	slices.SortStableFunc(events, func(a, b model.Event) int {
		switch {
		case a.ParentID == "" && b.ParentID != "":
			return -1
		case a.ParentID != "" && b.ParentID == "":
			return 1
		}
		return 0
	})

	for _, ev := range events {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			return
		}
		_, err := st.Event(ctx, ev.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err = e.Create(ctx, ev); err == nil {
				created++
			}
		case err == nil:
			if _, err = e.Update(ctx, ev); err == nil {
				updated++
			}
		}
		if err != nil {
			appLog.Error("import: event failed", err, "event_id", ev.ID, "title", ev.Title)
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	return
}
