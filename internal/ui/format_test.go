package ui

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/sync"
)

func init() {
	DisableColor()
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123abcd", ShortID("0123abcd-ffff"))
	assert.Equal(t, "n1", ShortID("n1"))
}

func TestNoteTitle(t *testing.T) {
	assert.Equal(t, "Untitled", NoteTitle(&schema.Note{}))
	assert.Equal(t, "📝 Plans", NoteTitle(&schema.Note{Title: "Plans", Emoji: "📝"}))
}

func TestFormatNoteListItem(t *testing.T) {
	n := &schema.Note{Meta: schema.Meta{ID: "note-0001-long", Version: 3}, Title: "Trip", Favorite: true}

	line := FormatNoteListItem(n, true)
	assert.Contains(t, line, "note-000")
	assert.NotContains(t, line, "note-0001-long")
	assert.Contains(t, line, "★ Trip")
	assert.Contains(t, line, "v3")
	assert.Contains(t, line, "●")

	assert.NotContains(t, FormatNoteListItem(n, false), "●")
}

func TestBlockText(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{`{"text":"hello"}`, "hello"},
		{`{"text":""}`, ""},
		{`{"kind":"image"}`, `{"kind":"image"}`},
		{`[1,2]`, `[1,2]`},
	}
	for _, tt := range tests {
		b := &schema.Block{Content: json.RawMessage(tt.content)}
		assert.Equal(t, tt.want, BlockText(b), tt.content)
	}
}

func TestFormatNotice(t *testing.T) {
	n := sync.Notice{
		Level:   sync.LevelError,
		Kind:    sync.NoticeRejected,
		Key:     schema.Key{Type: schema.TypeNote, ID: "n1"},
		Message: "permission denied",
	}
	assert.Equal(t, "✗ note/n1: permission denied\n", FormatNotice(n))

	n.Key = schema.Key{}
	n.Level = sync.LevelWarning
	assert.Equal(t, "⚠ permission denied\n", FormatNotice(n))
}

func TestFormatStatus(t *testing.T) {
	out := FormatStatus(false, sync.Status{}, 2, 1, 0)
	assert.Contains(t, out, "Offline only")
	assert.Contains(t, out, "Pending changes: 2")
	assert.Contains(t, out, "Failing changes: 1")
	assert.NotContains(t, out, "Conflicts")
}
