package editor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasklytic/tasklytic/internal/schema"
)

// NotePlugin handles set_note.
type NotePlugin struct{}

func (NotePlugin) Key() string            { return "note" }
func (NotePlugin) Options() PluginOptions { return PluginOptions{Priority: 20} }

func (NotePlugin) HandleChange(ctx context.Context, m Mutator, op *Op) (bool, error) {
	if op.Type != OpSetNote {
		return false, nil
	}
	n, err := m.GetNote(ctx, op.NoteID)
	if err != nil {
		return true, err
	}
	if op.Title != nil {
		n.Title = *op.Title
	}
	if op.Emoji != nil {
		n.Emoji = *op.Emoji
	}
	if op.Favorite != nil {
		n.Favorite = *op.Favorite
	}
	return true, m.Put(ctx, n)
}

// BlocksPlugin handles the block operations.
type BlocksPlugin struct{}

func (BlocksPlugin) Key() string            { return "blocks" }
func (BlocksPlugin) Options() PluginOptions { return PluginOptions{Priority: 10} }

func (BlocksPlugin) HandleChange(ctx context.Context, m Mutator, op *Op) (bool, error) {
	switch op.Type {
	case OpInsertNode:
		return true, insertNode(ctx, m, op)
	case OpSetNode:
		return true, setNode(ctx, m, op)
	case OpRemoveNode:
		return true, removeNode(ctx, m, op)
	case OpMoveNode:
		return true, moveNode(ctx, m, op)
	case OpSplitNode:
		return true, splitNode(ctx, m, op)
	case OpMergeNode:
		return true, mergeNode(ctx, m, op)
	}
	return false, nil
}

func insertNode(ctx context.Context, m Mutator, op *Op) error {
	n, err := m.GetNote(ctx, op.NoteID)
	if err != nil {
		return err
	}
	siblings, err := m.QueryByParent(ctx, op.NoteID)
	if err != nil {
		return err
	}
	order, err := orderAfter(siblings, op.After, "")
	if err != nil {
		return err
	}
	if op.NodeID == "" {
		op.NodeID = uuid.NewString()
	}
	return m.Put(ctx, &schema.Block{
		Meta:    schema.Meta{ID: op.NodeID, WorkspaceID: n.WorkspaceID},
		NoteID:  op.NoteID,
		Order:   order,
		Content: content(op.Content),
	})
}

func setNode(ctx context.Context, m Mutator, op *Op) error {
	b, err := blockOf(ctx, m, op.NoteID, op.NodeID)
	if err != nil {
		return err
	}
	b.Content = content(op.Content)
	return m.Put(ctx, b)
}

func removeNode(ctx context.Context, m Mutator, op *Op) error {
	if _, err := blockOf(ctx, m, op.NoteID, op.NodeID); err != nil {
		return err
	}
	return m.Delete(ctx, schema.TypeBlock, op.NodeID)
}

func moveNode(ctx context.Context, m Mutator, op *Op) error {
	b, err := blockOf(ctx, m, op.NoteID, op.NodeID)
	if err != nil {
		return err
	}
	siblings, err := m.QueryByParent(ctx, op.NoteID)
	if err != nil {
		return err
	}
	order, err := orderAfter(siblings, op.After, b.ID)
	if err != nil {
		return err
	}
	b.Order = order
	return m.Put(ctx, b)
}

// splitNode keeps Content in the source block and moves NodeContent into a
// new block placed right after it.
func splitNode(ctx context.Context, m Mutator, op *Op) error {
	src, err := blockOf(ctx, m, op.NoteID, op.SourceID)
	if err != nil {
		return err
	}
	siblings, err := m.QueryByParent(ctx, op.NoteID)
	if err != nil {
		return err
	}
	order, err := orderAfter(siblings, src.ID, "")
	if err != nil {
		return err
	}

	src.Content = content(op.Content)
	if err := m.Put(ctx, src); err != nil {
		return err
	}
	if op.NodeID == "" {
		op.NodeID = uuid.NewString()
	}
	return m.Put(ctx, &schema.Block{
		Meta:    schema.Meta{ID: op.NodeID, WorkspaceID: src.WorkspaceID},
		NoteID:  op.NoteID,
		Order:   order,
		Content: content(op.NodeContent),
	})
}

// mergeNode sets NodeID's content to Content and removes SourceID.
func mergeNode(ctx context.Context, m Mutator, op *Op) error {
	if op.SourceID == op.NodeID {
		return fmt.Errorf("%w: cannot merge %s into itself", ErrInvalidOp, op.NodeID)
	}
	target, err := blockOf(ctx, m, op.NoteID, op.NodeID)
	if err != nil {
		return err
	}
	if _, err := blockOf(ctx, m, op.NoteID, op.SourceID); err != nil {
		return err
	}
	target.Content = content(op.Content)
	if err := m.Put(ctx, target); err != nil {
		return err
	}
	return m.Delete(ctx, schema.TypeBlock, op.SourceID)
}

func blockOf(ctx context.Context, m Mutator, noteID, id string) (*schema.Block, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: block id is required", ErrInvalidOp)
	}
	b, err := m.GetBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.NoteID != noteID {
		return nil, fmt.Errorf("%w: block %s belongs to note %s", ErrInvalidOp, id, b.NoteID)
	}
	return b, nil
}

// orderAfter returns an Order placing a block right after the sibling
// after (first when after is empty), ignoring the block skip.
func orderAfter(siblings []*schema.Block, after, skip string) (float64, error) {
	list := make([]*schema.Block, 0, len(siblings))
	for _, b := range siblings {
		if b.ID != skip {
			list = append(list, b)
		}
	}

	if after == "" {
		if len(list) == 0 {
			return 1, nil
		}
		return list[0].Order - 1, nil
	}
	for i, b := range list {
		if b.ID != after {
			continue
		}
		if i == len(list)-1 {
			return b.Order + 1, nil
		}
		return (b.Order + list[i+1].Order) / 2, nil
	}
	return 0, fmt.Errorf("%w: sibling %s not found", ErrInvalidOp, after)
}

func content(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
