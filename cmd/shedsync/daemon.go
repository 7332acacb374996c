package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/woodshed-app/shedsync/internal/daemon"
	"github.com/woodshed-app/shedsync/internal/dashboard"
	"github.com/woodshed-app/shedsync/internal/logging"
	"github.com/woodshed-app/shedsync/internal/watcher"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch record directories and sync continuously",
	Long: `Run the long-lived sync daemon. It watches the per-kind record
directories (sessions/, practice-logs/, goals/, logbook/) under the data
directory, queues every change with debouncing, and syncs in the
background on the configured interval.

With --dashboard the daemon also serves the WebSocket dashboard so other
tools can observe sync activity in real time.

Example usage:
  shedsync daemon --user alice
  shedsync daemon --user alice --dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd, appOptions{periodic: true})
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := app.signIn(ctx, cmd); err != nil {
			return err
		}

		fw, err := watcher.NewFileWatcher()
		if err != nil {
			return err
		}
		if err := fw.Start(app.cfg.DataDir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", app.cfg.DataDir, err)
		}
		defer fw.Stop()

		if withDash, _ := cmd.Flags().GetBool("dashboard"); withDash {
			server := dashboard.NewServer(&dashboard.Config{
				Addr:   app.cfg.Dashboard.Addr,
				Logger: logging.New(app.logw, "dashboard"),
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			unsubscribe := server.Attach(app.manager)
			defer unsubscribe()
			fmt.Printf("Dashboard: ws://%s/ws\n", server.GetAddr())
		}

		ingestor := daemon.NewIngestor(app.db, app.manager, logging.New(app.logw, "daemon"))
		done := make(chan struct{})
		go func() {
			defer close(done)
			ingestor.Run(ctx, fw)
		}()

		fmt.Printf("Watching %s. Press Ctrl+C to stop.\n", app.cfg.DataDir)
		<-ctx.Done()

		// Stop the watcher first so the ingestor drains and exits.
		_ = fw.Stop()
		<-done

		// Flush whatever is still queued before going down.
		if _, err := app.manager.SyncNow(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Final sync failed: %v\n", err)
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	rootCmd.AddCommand(daemonCmd)
}
