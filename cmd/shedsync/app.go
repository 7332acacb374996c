package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/woodshed-app/shedsync/internal/config"
	"github.com/woodshed-app/shedsync/internal/conflict"
	"github.com/woodshed-app/shedsync/internal/engine"
	"github.com/woodshed-app/shedsync/internal/logging"
	"github.com/woodshed-app/shedsync/internal/manager"
	"github.com/woodshed-app/shedsync/internal/queue"
	"github.com/woodshed-app/shedsync/internal/store"
	"github.com/woodshed-app/shedsync/internal/transport"
)

// app holds the wired-up collaborators a command needs. Built per
// invocation; Close releases the database and log file.
type app struct {
	cfg     *config.Config
	db      *store.DB
	manager *manager.Manager
	logw    io.WriteCloser
}

// appOptions tweaks the wiring per command.
type appOptions struct {
	// periodic enables the background sync ticker (daemon only).
	periodic bool

	// choice prompts the user during conflict resolution (resolve only).
	choice conflict.ChoiceFunc

	// strategy overrides the configured resolution strategy when non-empty.
	strategy string
}

// newApp loads config, opens the local database, and builds the sync
// manager. The manager stays offline until signIn.
func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logw := logging.Writer(logging.FromConfig(cfg.Log))

	strategy := cfg.Sync.Strategy
	if opts.strategy != "" {
		strategy = opts.strategy
	}

	factory := func(user manager.User) (manager.SyncEngine, error) {
		q := queue.New(db, cfg.Sync.MaxRetries, logging.New(logw, "queue"))
		remote := transport.NewClient(cfg.Remote.URL,
			&http.Client{Timeout: cfg.Remote.Timeout}, tokenFromEnv)
		resolver := conflict.NewResolver(opts.choice, nil)
		return engine.New(db, q, remote,
			conflict.NewDetector(cfg.Sync.SkewToleranceMillis), resolver,
			engine.Config{
				UserID:    user.ID,
				BatchSize: cfg.Sync.BatchSize,
				Strategy:  conflict.ParseStrategy(strategy),
				Logger:    logging.New(logw, "engine"),
			}), nil
	}

	m := manager.NewManager(manager.Config{
		Factory:          factory,
		Debounce:         cfg.Sync.Debounce,
		PeriodicInterval: cfg.Sync.PeriodicInterval,
		Periodic:         opts.periodic,
		Logger:           logging.New(logw, "sync"),
	})

	return &app{cfg: cfg, db: db, manager: m, logw: logw}, nil
}

// signIn brings the manager online for the account named by --user or
// SHEDSYNC_USER, running the baseline sync.
func (a *app) signIn(ctx context.Context, cmd *cobra.Command) error {
	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		userID = os.Getenv("SHEDSYNC_USER")
	}
	if userID == "" {
		return fmt.Errorf("no account: pass --user or set SHEDSYNC_USER")
	}
	return a.manager.OnAuthStateChange(ctx, &manager.User{ID: userID, CloudEnabled: true})
}

func (a *app) Close() {
	a.manager.Dispose()
	_ = a.db.Close()
	_ = a.logw.Close()
}

// tokenFromEnv supplies the bearer token for remote requests.
func tokenFromEnv(ctx context.Context) (string, error) {
	return os.Getenv("SHEDSYNC_TOKEN"), nil
}
