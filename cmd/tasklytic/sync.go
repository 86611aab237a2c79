package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasklytic/tasklytic/internal/api"
	"github.com/tasklytic/tasklytic/internal/journal"
	"github.com/tasklytic/tasklytic/internal/sync"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Push pending local changes and pull changes from the server, once.

Conflicts are resolved automatically; local edits that lose a conflict are
kept in the conflict log ('tasklytic conflicts').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !cfg.Online() {
			return errOffline
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.Journal().RecoverInFlight(ctx, journal.DefaultLeaseTTL); err != nil {
			return err
		}

		eng := newSyncEngine(st, sync.NotifierFunc(printNotice))
		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Server.URL)
		start := time.Now()
		err = eng.SyncOnce(ctx)
		stats := eng.Status().LastCycle
		if err != nil {
			if sync.IsRetryable(err) {
				return fmt.Errorf("sync failed, changes stay queued: %w", err)
			}
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d (accepted %d, conflicts %d, rejected %d)\n", stats.Pushed, stats.Accepted, stats.Conflicts, stats.Rejected)
		fmt.Printf("   Pulled: %d (skipped %d)\n", stats.Pulled, stats.Skipped)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show pending changes and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Journal().Stats(ctx)
		if err != nil {
			return err
		}
		conflicts, err := st.Conflicts(ctx)
		if err != nil {
			return err
		}

		fmt.Print(ui.FormatStatus(cfg.Online(), sync.Status{}, stats.Total, stats.Failing, len(conflicts)))
		if cfg.Online() {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := api.NewClient(cfg.Server.URL, cfg.Sync.CallTimeout).Ping(pingCtx); err != nil {
				fmt.Printf("   %s\n", ui.RenderWarn("Server unreachable: "+err.Error()))
			} else {
				fmt.Printf("   Server reachable at %s\n", cfg.Server.URL)
			}
		}
		if verbose {
			entries, err := st.Journal().List(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("   %s %s/%s base=%d", e.Operation, e.EntityType, ui.ShortID(e.EntityID), e.BaseVersion)
				if e.LastError != "" {
					line += " " + ui.RenderWarn(e.LastError)
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List local edits that lost a conflict or were rejected",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if reset, _ := cmd.Flags().GetBool("clear"); reset {
			if err := st.ClearConflicts(ctx); err != nil {
				return err
			}
			fmt.Println(ui.Success("Conflict log cleared"))
			return nil
		}

		records, err := st.Conflicts(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(ui.RenderMuted("No conflicts."))
			return nil
		}
		for _, r := range records {
			fmt.Print(ui.FormatConflict(r))
		}
		return nil
	},
}

func init() {
	conflictsCmd.Flags().Bool("clear", false, "empty the conflict log")
	rootCmd.AddCommand(syncCmd, statusCmd, conflictsCmd)
}
