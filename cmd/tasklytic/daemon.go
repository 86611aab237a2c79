package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tasklytic/tasklytic/internal/daemon"
	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/realtime"
	"github.com/tasklytic/tasklytic/internal/sync"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  - syncs every sync.interval and after local edits
  - subscribes to the server's change notifications for the workspace
  - watches the SQLite database for edits made by other tasklytic commands
  - warns when local storage keeps failing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Online() {
			return errOffline
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		logger := logs.Logger("daemon")
		notifier := sync.LogNotifier{Logger: logs.Logger("sync")}
		eng := newSyncEngine(st, notifier)

		sub, err := realtime.NewClient(cfg.Server.URL, cfg.Scope(),
			realtime.WithLogger(logs.Debug("realtime")),
			realtime.WithBackoff(cfg.Sync.BaseBackoff, cfg.Sync.MaxBackoff),
		)
		if err != nil {
			return err
		}

		dcfg := daemon.DefaultConfig()
		dcfg.Scope = cfg.Scope()
		dcfg.RealtimeDebounce = cfg.Sync.RealtimeDebounce
		dcfg.StorageWarnThreshold = cfg.Sync.StorageWarnThreshold
		dcfg.Logger = logger
		if cfg.Store.Engine == engine.KindSQLite {
			dcfg.StorePath = cfg.Store.Path
		}

		d, err := daemon.New(st, eng, sub, notifier, dcfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Syncing %s with %s (Ctrl+C to stop)\n", ui.RenderAccent("🔄"), cfg.Identity.WorkspaceID, cfg.Server.URL)
		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
