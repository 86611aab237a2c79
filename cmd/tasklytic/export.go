package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/ui"
)

// frontMatter is the YAML header of an exported note.
type frontMatter struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Emoji     string `yaml:"emoji,omitempty"`
	Favorite  bool   `yaml:"favorite,omitempty"`
	Workspace string `yaml:"workspace"`
	Version   int64  `yaml:"version"`
	Blocks    int    `yaml:"blocks"`
}

var exportCmd = &cobra.Command{
	Use:     "export <note>",
	GroupID: "notes",
	Short:   "Export a note as markdown",
	Long:    `Write a note as markdown with a YAML front matter header, to stdout or --output.`,
	Args:    cobra.ExactArgs(1),
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
		data, err := exportMarkdown(n, blocks)
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Fprintln(os.Stderr, ui.Success("Exported to "+output))
		return nil
	},
}

func exportMarkdown(n *schema.Note, blocks []*schema.Block) ([]byte, error) {
	header, err := yaml.Marshal(frontMatter{
		ID:        n.ID,
		Title:     n.Title,
		Emoji:     n.Emoji,
		Favorite:  n.Favorite,
		Workspace: n.WorkspaceID,
		Version:   n.Version,
		Blocks:    len(blocks),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n\n", ui.NoteTitle(n))
	if len(blocks) > 0 {
		buf.WriteString(blocksMarkdown(blocks))
	}
	return buf.Bytes(), nil
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
