package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the base command; without a subcommand it runs the daemon.
var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Keeps a local cache of shared calendars in sync with the remote service",
	Long: `calsync mirrors the calendars of one account into a local SQLite cache.

It can run as:
  - A daemon that syncs on a cron schedule and serves a local HTTP API (run)
  - One-shot commands for syncing, listing, exporting and importing`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "calsync version %s\n" .Version}}`)

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "run")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/calsync/config.yaml", "Path to config file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newCalendarsCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newHolidaysCmd())
}
