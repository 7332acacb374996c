// Command shedsync keeps local practice data in sync with the woodshed
// account store. It runs either as one-shot commands (sync, status,
// resolve, history) or as a long-lived daemon watching the record
// directories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/woodshed-app/shedsync/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "shedsync",
	Short: "Offline-first sync for practice data",
	Long: `shedsync synchronizes locally-owned practice records (sessions,
practice logs, goals, logbook entries) with the woodshed account store.

The local store is authoritative: every command works offline, and changes
queue up for transmission when connectivity returns. Conflicting edits from
other devices are detected per entity and resolved by the configured
strategy (merge by default).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: .shedsync.toml in . or $HOME)")
	rootCmd.PersistentFlags().String("user", "", "Account id to sync as (default: $SHEDSYNC_USER)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
