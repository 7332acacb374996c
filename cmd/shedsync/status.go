package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/manager"
	"github.com/woodshed-app/shedsync/internal/queue"
	"github.com/woodshed-app/shedsync/internal/ui"
)

// statusReport is the machine-readable status output.
type statusReport struct {
	Status     manager.Status `yaml:"status"`
	Entities   map[string]int `yaml:"entities"`
	Conflicts  int            `yaml:"conflicts"`
	Pending    int            `yaml:"pending_operations"`
	DeadLetter int            `yaml:"dead_lettered"`
	SyncToken  string         `yaml:"sync_token,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and queue status",
	Long: `Show the state of the local store: record counts per kind, entities
awaiting transmission, unresolved conflicts, and dead-lettered operations.

Status reads only local state and never touches the network.

Example usage:
  shedsync status
  shedsync status --yaml        # machine-readable output`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		report := statusReport{Status: manager.StatusOffline, Entities: make(map[string]int)}

		all, err := app.db.ListEntities(ctx)
		if err != nil {
			return err
		}
		for _, e := range all {
			if e.Tombstoned() {
				continue
			}
			report.Entities[string(e.Kind)]++
			if e.Status == entity.StatusConflict {
				report.Conflicts++
			}
		}

		if report.Pending, err = app.db.CountOperations(ctx, queue.OpPending, queue.OpSyncing); err != nil {
			return err
		}
		if report.DeadLetter, err = app.db.CountOperations(ctx, queue.OpFailed); err != nil {
			return err
		}

		if userID, _ := cmd.Flags().GetString("user"); userID != "" {
			if report.SyncToken, err = app.db.SyncToken(ctx, userID); err != nil {
				return err
			}
		}
		if report.Pending > 0 || report.DeadLetter > 0 {
			report.Status = manager.StatusIdle
		}

		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			out, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		}

		fmt.Println(ui.Title("shedsync status"))
		pairs := [][2]string{
			{"status", ui.StatusBadge(report.Status)},
			{"pending ops", strconv.Itoa(report.Pending)},
			{"conflicts", strconv.Itoa(report.Conflicts)},
			{"dead-lettered", strconv.Itoa(report.DeadLetter)},
		}
		for kind, n := range report.Entities {
			pairs = append(pairs, [2]string{kind + " records", strconv.Itoa(n)})
		}
		fmt.Print(ui.KeyValues(pairs))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "Emit YAML instead of styled text")
	rootCmd.AddCommand(statusCmd)
}
