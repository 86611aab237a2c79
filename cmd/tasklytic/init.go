package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tasklytic/tasklytic/internal/config"
	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up identity, storage and server",
	Long: `Write the config file with the user, workspace and server to sync with.

Values not given as flags are asked for when stdin is a terminal. A client ID
identifying this device is generated once and kept on later runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := *cfg
		flags := cmd.Flags()
		if flags.Changed("user") {
			c.Identity.UserID, _ = flags.GetString("user")
		}
		if flags.Changed("workspace") {
			c.Identity.WorkspaceID, _ = flags.GetString("workspace")
		}
		if flags.Changed("server") {
			c.Server.URL, _ = flags.GetString("server")
		}
		if flags.Changed("engine") {
			kind, _ := flags.GetString("engine")
			c.Store.Engine = engine.Kind(kind)
			if !flags.Changed("path") && kind == string(engine.KindBadger) {
				c.Store.Path = filepath.Join(config.DataDir(), "badger")
			}
		}
		if flags.Changed("path") {
			c.Store.Path, _ = flags.GetString("path")
		}

		missing := c.Identity.UserID == "" || c.Identity.WorkspaceID == ""
		if missing && term.IsTerminal(int(os.Stdin.Fd())) {
			if err := runInitForm(&c); err != nil {
				return err
			}
		}
		if c.Identity.ClientID == "" {
			c.Identity.ClientID = uuid.NewString()
		}
		if err := c.Validate(); err != nil {
			if errors.Is(err, config.ErrNotInitialized) {
				return fmt.Errorf("--user and --workspace are required")
			}
			return err
		}

		path := cfgPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := c.Save(path); err != nil {
			return err
		}

		fmt.Println(ui.Success("Wrote " + path))
		fmt.Printf("   User:      %s\n", c.Identity.UserID)
		fmt.Printf("   Workspace: %s\n", c.Identity.WorkspaceID)
		fmt.Printf("   Device:    %s\n", c.Identity.ClientID)
		fmt.Printf("   Store:     %s (%s)\n", c.Store.Path, c.Store.Engine)
		if c.Online() {
			fmt.Printf("   Server:    %s\n", c.Server.URL)
		} else {
			fmt.Printf("   Server:    %s\n", ui.RenderWarn("none, notes stay on this device"))
		}
		return nil
	},
}

func runInitForm(c *config.Config) error {
	engineKind := string(c.Store.Engine)
	required := func(s string) error {
		if s == "" {
			return errors.New("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("User ID").
				Value(&c.Identity.UserID).
				Validate(required),
			huh.NewInput().
				Title("Workspace ID").
				Value(&c.Identity.WorkspaceID).
				Validate(required),
			huh.NewInput().
				Title("Server URL").
				Description("Leave empty to keep notes on this device only.").
				Value(&c.Server.URL),
			huh.NewSelect[string]().
				Title("Storage engine").
				Options(
					huh.NewOption("SQLite (shared with other processes)", string(engine.KindSQLite)),
					huh.NewOption("Badger (single process)", string(engine.KindBadger)),
				).
				Value(&engineKind),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	if engine.Kind(engineKind) != c.Store.Engine {
		c.Store.Engine = engine.Kind(engineKind)
		if c.Store.Engine == engine.KindBadger {
			c.Store.Path = filepath.Join(config.DataDir(), "badger")
		} else {
			c.Store.Path = filepath.Join(config.DataDir(), "local.db")
		}
	}
	return nil
}

func init() {
	initCmd.Flags().String("user", "", "user ID")
	initCmd.Flags().String("workspace", "", "workspace ID")
	initCmd.Flags().String("server", "", "sync server URL")
	initCmd.Flags().String("engine", "", "storage engine: sqlite or badger")
	initCmd.Flags().String("path", "", "local database path")
	rootCmd.AddCommand(initCmd)
}
