package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasklytic/tasklytic/internal/editor"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var blockCmd = &cobra.Command{
	Use:     "block",
	GroupID: "notes",
	Short:   "Edit the blocks of a note",
	Long: `Edit the blocks of a note. Blocks are named by ID or a unique ID prefix;
'tasklytic note show --ids <note>' lists them.`,
}

var blockAddCmd = &cobra.Command{
	Use:   "add <note> <text>",
	Short: "Add a text block",
	Args:  cobra.ExactArgs(2),
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

		op := editor.Op{Type: editor.OpInsertNode, NoteID: n.ID, Content: editor.TextContent(args[1])}
		if cmd.Flags().Changed("after") {
			ref, _ := cmd.Flags().GetString("after")
			after, err := findBlock(ctx, st, n.ID, ref)
			if err != nil {
				return err
			}
			op.After = after.ID
		} else if first, _ := cmd.Flags().GetBool("first"); !first {
			blocks, err := st.QueryByParent(ctx, n.ID)
			if err != nil {
				return err
			}
			if len(blocks) > 0 {
				op.After = blocks[len(blocks)-1].ID
			}
		}

		op, err = applyOp(ctx, st, op)
		if err != nil {
			return err
		}
		fmt.Println(ui.Success("Added block " + ui.ShortID(op.NodeID)))
		return nil
	},
}

var blockEditCmd = &cobra.Command{
	Use:   "edit <note> <block> <text>",
	Short: "Replace a block's text",
	Args:  cobra.ExactArgs(3),
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
		b, err := findBlock(ctx, st, n.ID, args[1])
		if err != nil {
			return err
		}
		if _, err := applyOp(ctx, st, editor.Op{
			Type:    editor.OpSetNode,
			NoteID:  n.ID,
			NodeID:  b.ID,
			Content: editor.TextContent(args[2]),
		}); err != nil {
			return err
		}
		fmt.Println(ui.Success("Updated block " + ui.ShortID(b.ID)))
		return nil
	},
}

var blockRmCmd = &cobra.Command{
	Use:   "rm <note> <block>",
	Short: "Delete a block",
	Args:  cobra.ExactArgs(2),
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
		b, err := findBlock(ctx, st, n.ID, args[1])
		if err != nil {
			return err
		}
		if _, err := applyOp(ctx, st, editor.Op{Type: editor.OpRemoveNode, NoteID: n.ID, NodeID: b.ID}); err != nil {
			return err
		}
		fmt.Println(ui.Success("Deleted block " + ui.ShortID(b.ID)))
		return nil
	},
}

var blockMoveCmd = &cobra.Command{
	Use:   "move <note> <block>",
	Short: "Move a block after another, or first",
	Args:  cobra.ExactArgs(2),
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
		b, err := findBlock(ctx, st, n.ID, args[1])
		if err != nil {
			return err
		}

		op := editor.Op{Type: editor.OpMoveNode, NoteID: n.ID, NodeID: b.ID}
		if ref, _ := cmd.Flags().GetString("after"); ref != "" {
			after, err := findBlock(ctx, st, n.ID, ref)
			if err != nil {
				return err
			}
			op.After = after.ID
		}
		if _, err := applyOp(ctx, st, op); err != nil {
			return err
		}
		fmt.Println(ui.Success("Moved block " + ui.ShortID(b.ID)))
		return nil
	},
}

var blockSplitCmd = &cobra.Command{
	Use:   "split <note> <block>",
	Short: "Split a block's text in two",
	Long:  `Split a text block at --at characters. The text after the split point moves to a new block placed right after it.`,
	Args:  cobra.ExactArgs(2),
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
		b, err := findBlock(ctx, st, n.ID, args[1])
		if err != nil {
			return err
		}

		at, _ := cmd.Flags().GetInt("at")
		head, tail, err := splitText(ui.BlockText(b), at)
		if err != nil {
			return err
		}
		op, err := applyOp(ctx, st, editor.Op{
			Type:        editor.OpSplitNode,
			NoteID:      n.ID,
			SourceID:    b.ID,
			Content:     editor.TextContent(head),
			NodeContent: editor.TextContent(tail),
		})
		if err != nil {
			return err
		}
		fmt.Println(ui.Success("Split into " + ui.ShortID(b.ID) + " and " + ui.ShortID(op.NodeID)))
		return nil
	},
}

var blockMergeCmd = &cobra.Command{
	Use:   "merge <note> <block> <into>",
	Short: "Append a block's text to another block and delete it",
	Args:  cobra.ExactArgs(3),
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
		src, err := findBlock(ctx, st, n.ID, args[1])
		if err != nil {
			return err
		}
		into, err := findBlock(ctx, st, n.ID, args[2])
		if err != nil {
			return err
		}
		if _, err := applyOp(ctx, st, editor.Op{
			Type:     editor.OpMergeNode,
			NoteID:   n.ID,
			NodeID:   into.ID,
			SourceID: src.ID,
			Content:  editor.TextContent(ui.BlockText(into) + ui.BlockText(src)),
		}); err != nil {
			return err
		}
		fmt.Println(ui.Success("Merged " + ui.ShortID(src.ID) + " into " + ui.ShortID(into.ID)))
		return nil
	},
}

// splitText splits s at rune offset at.
func splitText(s string, at int) (string, string, error) {
	runes := []rune(s)
	if at < 0 || at > len(runes) {
		return "", "", fmt.Errorf("--at must be between 0 and %d", len(runes))
	}
	return string(runes[:at]), string(runes[at:]), nil
}

func init() {
	blockAddCmd.Flags().String("after", "", "insert after this block (default: last)")
	blockAddCmd.Flags().Bool("first", false, "insert as the first block")

	blockMoveCmd.Flags().String("after", "", "move after this block (default: first)")

	blockSplitCmd.Flags().Int("at", 0, "character offset to split at")
	_ = blockSplitCmd.MarkFlagRequired("at")

	blockCmd.AddCommand(blockAddCmd, blockEditCmd, blockRmCmd, blockMoveCmd, blockSplitCmd, blockMergeCmd)
	rootCmd.AddCommand(blockCmd)
}
