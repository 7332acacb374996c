package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/woodshed-app/shedsync/internal/dashboard"
	"github.com/woodshed-app/shedsync/internal/logging"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start the standalone WebSocket dashboard",
	Long: `Start the WebSocket dashboard server without the daemon. Useful when
another process drives sync and you only want the observation endpoint.

WebSocket messages include:
- sync_state: the manager's status changed (idle, syncing, error, offline)
- cycle_complete: a sync cycle finished, with its counts
- change_queued: a local change entered the queue

Example usage:
  shedsync dashboard
  shedsync dashboard --addr localhost:9000

Connect with a WebSocket client:
  ws://localhost:8844/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		app, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer app.Close()

		if addr == "" {
			addr = app.cfg.Dashboard.Addr
		}
		server := dashboard.NewServer(&dashboard.Config{
			Addr:   addr,
			Logger: logging.New(app.logw, "dashboard"),
		})
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("Dashboard started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard...")
		return server.Stop()
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Address to listen on (default from config)")
	rootCmd.AddCommand(dashboardCmd)
}
