package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/woodshed-app/shedsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run a single sync cycle: pull remote changes, reconcile conflicts,
push queued local operations, and persist the outcome.

The first cycle for an account establishes a baseline; later cycles are
incremental against the stored sync token.

Example usage:
  shedsync sync --user alice
  SHEDSYNC_USER=alice shedsync sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		if err := app.signIn(ctx, cmd); err != nil {
			return err
		}

		result, err := app.manager.SyncNow(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if result.Skipped {
			fmt.Println(ui.Dim("Sync skipped: " + result.SkipReason))
			return nil
		}

		fmt.Println(ui.Title("Sync complete"))
		fmt.Print(ui.KeyValues([][2]string{
			{"uploaded", strconv.Itoa(result.Uploaded)},
			{"downloaded", strconv.Itoa(result.Downloaded)},
			{"conflicts", strconv.Itoa(result.Conflicts)},
			{"merged", strconv.Itoa(result.Merged)},
			{"failed", strconv.Itoa(len(result.Failed))},
		}))

		for _, f := range result.Failed {
			line := fmt.Sprintf("  %s: %s", f.EntityID, f.Reason)
			if f.DeadLettered {
				line += " (dead-lettered)"
			}
			fmt.Println(ui.Dim(line))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
