package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasklytic/tasklytic/internal/realtime"
	"github.com/tasklytic/tasklytic/internal/server"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a sync server",
	Long: `Run the sync server: the push/pull API under /api/v1 and realtime change
notifications on /ws. Data is kept in the SQLite database at server.db_path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		dbPath := cfg.Server.DBPath
		if cmd.Flags().Changed("db") {
			dbPath, _ = cmd.Flags().GetString("db")
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		st, err := server.OpenStore(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()

		logger := logs.Logger("server")
		hub := realtime.NewHub(realtime.HubConfig{
			Authorize: st.Authorize,
			Logger:    logs.Logger("realtime"),
		})
		srv := server.New(st, hub, logger)
		if err := srv.Start(addr); err != nil {
			return err
		}
		fmt.Printf("%s Serving on http://%s (data: %s)\n", ui.RenderPass("✓"), srv.Addr(), dbPath)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					logger.Printf("%d realtime subscribers", hub.Count())
				}
			}
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default server.addr)")
	serveCmd.Flags().String("db", "", "server database (default server.db_path)")
	rootCmd.AddCommand(serveCmd)
}
