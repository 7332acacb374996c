package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/woodshed-app/shedsync/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show sync operation history",
	Long: `List sync operations recorded in the local queue, newest last.
Completed operations leave the queue, so history shows what is pending,
in flight, or dead-lettered.

--since accepts natural language:
  shedsync history --since "yesterday"
  shedsync history --since "2 hours ago"
  shedsync history --since "last monday"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer app.Close()

		var since int64
		if expr, _ := cmd.Flags().GetString("since"); expr != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)

			r, err := w.Parse(expr, time.Now())
			if err != nil || r == nil {
				return fmt.Errorf("could not understand --since %q", expr)
			}
			since = r.Time.UnixMilli()
		}

		ops, err := app.db.ListOperations(cmd.Context(), since)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println(ui.Dim("No operations recorded."))
			return nil
		}

		fmt.Println(ui.Title("Sync operations"))
		for _, op := range ops {
			at := time.UnixMilli(op.CreatedAt).Format("2006-01-02 15:04:05")
			line := fmt.Sprintf("%s  %-7s %-14s %-10s %s",
				at, op.Kind, op.Entity.Key(), op.Status, op.ID)
			fmt.Println(line)
			if op.LastError != "" {
				fmt.Println(ui.Dim(fmt.Sprintf("    retries=%d last error: %s", op.Retries, op.LastError)))
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("since", "", "Only show operations after this time (natural language)")
	rootCmd.AddCommand(historyCmd)
}
