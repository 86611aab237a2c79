// Package editor maps block-editor operations onto Local Store mutations.
//
// Operations are dispatched through a pipeline of plugins. Each plugin
// declares a key and a priority; the first plugin (highest priority first)
// that handles an operation wins.
package editor

import (
	"context"
	"encoding/json"

	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
)

// OpType names an editor operation.
type OpType string

const (
	OpInsertNode OpType = "insert_node"
	OpSetNode    OpType = "set_node"
	OpRemoveNode OpType = "remove_node"
	OpMoveNode   OpType = "move_node"
	OpSplitNode  OpType = "split_node"
	OpMergeNode  OpType = "merge_node"
	OpSetNote    OpType = "set_note"
)

// Op is one operation emitted by the editor.
type Op struct {
	Type   OpType `json:"type"`
	NoteID string `json:"note_id"`

	// NodeID is the block the operation applies to. Insert and split fill
	// it in (for split: the new block) when empty.
	NodeID string `json:"node_id,omitempty"`
	// SourceID is the block being split, or merged away.
	SourceID string `json:"source_id,omitempty"`
	// After positions inserted and moved blocks: after this sibling, or
	// first when empty.
	After string `json:"after,omitempty"`

	Content     json.RawMessage `json:"content,omitempty"`
	NodeContent json.RawMessage `json:"node_content,omitempty"`

	Title    *string `json:"title,omitempty"`
	Emoji    *string `json:"emoji,omitempty"`
	Favorite *bool   `json:"favorite,omitempty"`
}

// Mutator is the part of the Local Store plugins write through.
// *store.Store implements it.
type Mutator interface {
	GetNote(ctx context.Context, id string) (*schema.Note, error)
	GetBlock(ctx context.Context, id string) (*schema.Block, error)
	QueryByParent(ctx context.Context, noteID string) ([]*schema.Block, error)
	Put(ctx context.Context, e schema.Entity, opts ...store.WriteOption) error
	Delete(ctx context.Context, kind schema.EntityType, id string, opts ...store.WriteOption) error
}

// TextContent returns block content holding plain text.
func TextContent(text string) json.RawMessage {
	// Marshaling a struct of one string cannot fail.
	data, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{text})
	return data
}
