package ui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
	"github.com/tasklytic/tasklytic/internal/sync"
)

// ShortID returns the first 8 characters of id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NoteTitle returns the title with its emoji, or a placeholder.
func NoteTitle(n *schema.Note) string {
	title := n.Title
	if title == "" {
		title = "Untitled"
	}
	if n.Emoji != "" {
		title = n.Emoji + " " + title
	}
	return title
}

// FormatNoteListItem renders one line of 'note list'. pending marks notes
// with unpushed changes.
func FormatNoteListItem(n *schema.Note, pending bool) string {
	var sb strings.Builder
	sb.WriteString("  ")
	sb.WriteString(RenderMuted(ShortID(n.ID)))
	sb.WriteString("  ")
	if n.Favorite {
		sb.WriteString(RenderAccent("★ "))
	}
	sb.WriteString(RenderBold(NoteTitle(n)))
	sb.WriteString(RenderMuted(fmt.Sprintf("  v%d", n.Version)))
	if pending {
		sb.WriteString(" ")
		sb.WriteString(RenderWarn("●"))
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatNoteHeader renders the header of 'note show'.
func FormatNoteHeader(n *schema.Note) string {
	var sb strings.Builder
	sb.WriteString(HeaderStyle.Render(NoteTitle(n)))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s %s\n", RenderMuted("ID:"), RenderMuted(n.ID)))
	sb.WriteString(fmt.Sprintf("%s %s\n", RenderMuted("Version:"), RenderMuted(fmt.Sprintf("%d (server %d)", n.Version, n.BaseVersion))))
	sb.WriteString(Separator())
	return sb.String()
}

// FormatBlocks renders blocks in order with their short IDs.
func FormatBlocks(blocks []*schema.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(fmt.Sprintf("  %s  %s\n", RenderMuted(ShortID(b.ID)), BlockText(b)))
	}
	return sb.String()
}

// BlockText returns the text of a block, or its raw content when it has no
// "text" field.
func BlockText(b *schema.Block) string {
	var body struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &body); err == nil && body.Text != nil {
		return *body.Text
	}
	return string(b.Content)
}

// RenderMarkdown renders markdown for the terminal, falling back to the raw
// input.
func RenderMarkdown(content string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}

// FormatStatus renders 'tasklytic status'.
func FormatStatus(online bool, st sync.Status, pending, failing int, conflicts int) string {
	var sb strings.Builder
	if online {
		sb.WriteString(fmt.Sprintf("%s Server configured\n", RenderPass("✓")))
	} else {
		sb.WriteString(fmt.Sprintf("%s Offline only (no server.url)\n", RenderWarn("⚠")))
	}
	sb.WriteString(fmt.Sprintf("   Pending changes: %d\n", pending))
	if failing > 0 {
		sb.WriteString(fmt.Sprintf("   %s\n", RenderWarn(fmt.Sprintf("Failing changes: %d", failing))))
	}
	if conflicts > 0 {
		sb.WriteString(fmt.Sprintf("   Conflicts recorded: %d\n", conflicts))
	}
	if !st.LastCycle.Finished.IsZero() {
		sb.WriteString(fmt.Sprintf("   Last sync: %s (pushed %d, pulled %d)\n",
			st.LastCycle.Finished.Format(time.DateTime), st.LastCycle.Pushed, st.LastCycle.Pulled))
	}
	if st.Failures > 0 {
		sb.WriteString(fmt.Sprintf("   %s\n", RenderFail(fmt.Sprintf("Consecutive failures: %d, retry at %s", st.Failures, st.RetryAt.Format(time.TimeOnly)))))
	}
	return sb.String()
}

// FormatConflict renders one conflict log record.
func FormatConflict(r store.ConflictRecord) string {
	return fmt.Sprintf("  %s  %s %s  %s\n",
		RenderMuted(r.RecordedAt.Local().Format(time.DateTime)),
		RenderAccent(r.Outcome),
		schema.Key{Type: r.EntityType, ID: r.EntityID},
		RenderMuted(r.Reason))
}

// FormatNotice renders a sync notice.
func FormatNotice(n sync.Notice) string {
	var mark string
	switch n.Level {
	case sync.LevelError:
		mark = RenderFail("✗")
	case sync.LevelWarning:
		mark = RenderWarn("⚠")
	default:
		mark = RenderAccent("•")
	}
	if n.Key.ID != "" {
		return fmt.Sprintf("%s %s: %s\n", mark, n.Key, n.Message)
	}
	return fmt.Sprintf("%s %s\n", mark, n.Message)
}

func Separator() string {
	return RenderMuted(strings.Repeat("─", 50)) + "\n"
}

func Success(msg string) string {
	return RenderPass("✓ ") + msg
}

func Error(msg string) string {
	return RenderFail("✗ ") + msg
}
