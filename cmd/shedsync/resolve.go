package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/woodshed-app/shedsync/internal/conflict"
	"github.com/woodshed-app/shedsync/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve sync conflicts interactively",
	Long: `Run a sync cycle with the user-choice strategy: each conflict is
presented with both versions and you pick the side to keep. Entities you
skip stay in conflict status for a later pass.

Example usage:
  shedsync resolve --user alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, appOptions{
			strategy: "user-choice",
			choice:   promptChoice,
		})
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

		if result.Conflicts == 0 {
			fmt.Println(ui.Dim("No conflicts to resolve."))
			return nil
		}
		fmt.Printf("Resolved %d of %d conflicts.\n",
			result.Conflicts-len(result.Failed), result.Conflicts)
		return nil
	},
}

// promptChoice shows one conflict and asks which side wins.
func promptChoice(ctx context.Context, c *conflict.Conflict) (conflict.Side, error) {
	side := conflict.KeepLocal

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[conflict.Side]().
			Title(fmt.Sprintf("Conflict on %s (%s)", c.Local.Key(), c.Type)).
			Description(describeConflict(c)).
			Options(
				huh.NewOption("Keep this device's version", conflict.KeepLocal),
				huh.NewOption("Keep the other device's version", conflict.KeepRemote),
			).
			Value(&side),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return side, err
	}
	return side, nil
}

func describeConflict(c *conflict.Conflict) string {
	return fmt.Sprintf("this device:  %s  (edited %s)\nother device: %s  (edited %s)",
		compactPayload(c.Local.Payload), fmtMillis(c.Local.UpdatedAt),
		compactPayload(c.Remote.Payload), fmtMillis(c.Remote.UpdatedAt))
}

func compactPayload(raw json.RawMessage) string {
	const max = 60
	s := string(raw)
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

func fmtMillis(ms int64) string {
	return time.UnixMilli(ms).Format("Jan 2 15:04")
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
