package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasklytic/tasklytic/internal/config"
	"github.com/tasklytic/tasklytic/internal/logging"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var (
	version = "dev"

	cfgPath string
	verbose bool
	noColor bool

	cfg  *config.Config
	logs *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "tasklytic",
	Short: "Local-first notes that sync",
	Long: `Tasklytic keeps notes in a local database and syncs them with a
server in the background. Every edit is saved locally first; 'tasklytic sync'
or a running 'tasklytic daemon' pushes it and pulls changes from other
devices.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Verbose = true
		}
		logs = logging.New(cfg.Log)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "notes", Title: "Notes:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Error(err.Error()))
		os.Exit(1)
	}
}
