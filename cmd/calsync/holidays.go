package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHolidaysCmd() *cobra.Command {
	var (
		country string
		year    int
	)

	cmd := &cobra.Command{
		Use:   "holidays",
		Short: "List public holidays of a country",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if country == "" {
				country = a.cfg.Sync.HolidayCountry
			}
			if year == 0 {
				year = time.Now().Year()
			}
			hs, err := a.gateway.Holidays(ctx, country, year)
			if err != nil {
				return err
			}
			for _, h := range hs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", h.Date, h.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&country, "country", "", "ISO country code (default from config)")
	cmd.Flags().IntVar(&year, "year", 0, "Year (default current)")
	return cmd
}
