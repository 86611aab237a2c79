package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tasklytic/tasklytic/internal/editor"
	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var noteCmd = &cobra.Command{
	Use:     "note",
	GroupID: "notes",
	Short:   "Create, list and edit notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add <title> [text...]",
	Short: "Create a note",
	Long: `Create a note. Each extra argument becomes a text block, in order.

Example:
  tasklytic note add "Groceries" "milk" "eggs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		emoji, _ := cmd.Flags().GetString("emoji")
		favorite, _ := cmd.Flags().GetBool("favorite")
		n := &schema.Note{
			Meta:     schema.Meta{ID: uuid.NewString(), WorkspaceID: cfg.Identity.WorkspaceID},
			OwnerID:  cfg.Identity.UserID,
			Title:    args[0],
			Emoji:    emoji,
			Favorite: favorite,
		}
		if err := st.Put(ctx, n); err != nil {
			return fmt.Errorf("failed to create note: %w", err)
		}

		after := ""
		for _, text := range args[1:] {
			op, err := applyOp(ctx, st, editor.Op{
				Type:    editor.OpInsertNode,
				NoteID:  n.ID,
				After:   after,
				Content: editor.TextContent(text),
			})
			if err != nil {
				return fmt.Errorf("failed to add block: %w", err)
			}
			after = op.NodeID
		}

		fmt.Println(ui.Success(fmt.Sprintf("Created %s %s", ui.RenderMuted(ui.ShortID(n.ID)), ui.NoteTitle(n))))
		return nil
	},
}

var noteListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		notes, err := st.ListNotes(ctx, cfg.Identity.WorkspaceID)
		if err != nil {
			return err
		}
		favorites, _ := cmd.Flags().GetBool("favorites")

		shown := 0
		for _, n := range notes {
			if favorites && !n.Favorite {
				continue
			}
			pending, err := st.Journal().Pending(ctx, schema.KeyOf(n))
			if err != nil {
				return err
			}
			fmt.Print(ui.FormatNoteListItem(n, pending))
			shown++
		}
		if shown == 0 {
			fmt.Println(ui.RenderMuted("No notes yet. Create one with 'tasklytic note add <title>'."))
		}
		return nil
	},
}

var noteShowCmd = &cobra.Command{
	Use:   "show <note>",
	Short: "Show a note",
	Long:  `Display a note's blocks, rendered as markdown. Use --ids to list block IDs instead.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := findNote(ctx, st, args[0])
		if err != nil {
			return err
		}
		blocks, err := st.QueryByParent(ctx, n.ID)
		if err != nil {
			return err
		}

		fmt.Print(ui.FormatNoteHeader(n))
		if ids, _ := cmd.Flags().GetBool("ids"); ids {
			fmt.Print(ui.FormatBlocks(blocks))
			return nil
		}
		fmt.Print(ui.RenderMarkdown(blocksMarkdown(blocks)))
		return nil
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <note>",
	Short: "Change a note's title, emoji or favorite flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := findNote(ctx, st, args[0])
		if err != nil {
			return err
		}

		op := editor.Op{Type: editor.OpSetNote, NoteID: n.ID}
		flags := cmd.Flags()
		if flags.Changed("title") {
			title, _ := flags.GetString("title")
			op.Title = &title
		}
		if flags.Changed("emoji") {
			emoji, _ := flags.GetString("emoji")
			op.Emoji = &emoji
		}
		if flags.Changed("favorite") {
			favorite, _ := flags.GetBool("favorite")
			op.Favorite = &favorite
		}
		if op.Title == nil && op.Emoji == nil && op.Favorite == nil {
			return fmt.Errorf("nothing to change; use --title, --emoji or --favorite")
		}

		if _, err := applyOp(ctx, st, op); err != nil {
			return err
		}
		fmt.Println(ui.Success("Updated " + ui.ShortID(n.ID)))
		return nil
	},
}

var noteRmCmd = &cobra.Command{
	Use:   "rm <note>",
	Short: "Delete a note and its blocks",
	Long:  `Delete a note. Until the delete is synced it can be undone with 'tasklytic note restore'.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := findNote(ctx, st, args[0])
		if err != nil {
			return err
		}
		if err := st.Delete(ctx, schema.TypeNote, n.ID); err != nil {
			return err
		}
		fmt.Println(ui.Success(fmt.Sprintf("Deleted %s (restore with 'tasklytic note restore %s')", ui.NoteTitle(n), n.ID)))
		return nil
	},
}

var noteRestoreCmd = &cobra.Command{
	Use:   "restore <note-id>",
	Short: "Undo an unsynced delete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Restore(ctx, schema.TypeNote, args[0]); err != nil {
			return fmt.Errorf("failed to restore note: %w", err)
		}
		fmt.Println(ui.Success("Restored " + ui.ShortID(args[0])))
		return nil
	},
}

// blocksMarkdown joins the text of blocks into a markdown document.
func blocksMarkdown(blocks []*schema.Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, ui.BlockText(b))
	}
	return strings.Join(parts, "\n\n") + "\n"
}

func init() {
	noteAddCmd.Flags().String("emoji", "", "note emoji")
	noteAddCmd.Flags().Bool("favorite", false, "mark as favorite")

	noteListCmd.Flags().Bool("favorites", false, "only favorites")

	noteShowCmd.Flags().Bool("ids", false, "list blocks with their IDs")

	noteEditCmd.Flags().String("title", "", "new title")
	noteEditCmd.Flags().String("emoji", "", "new emoji (empty to clear)")
	noteEditCmd.Flags().Bool("favorite", false, "favorite flag")

	noteCmd.AddCommand(noteAddCmd, noteListCmd, noteShowCmd, noteEditCmd, noteRmCmd, noteRestoreCmd)
	rootCmd.AddCommand(noteCmd)
}
