package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Perform the login handshake and check the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.sessions.Reset()
			if _, err := a.sessions.Acquire(ctx); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := a.sessions.Validate(ctx); err != nil {
				return fmt.Errorf("validate session: %w", err)
			}
			u, err := a.gateway.User(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (user %d)\n", u.Name, u.ID)
			return nil
		},
	}
}
