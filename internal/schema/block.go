package schema

import (
	"bytes"
	"encoding/json"
	"math"
)

// Block is an ordered unit of content inside a Note. Content is owned by the
// editor and treated as an opaque JSON document here.
type Block struct {
	Meta
	NoteID  string          `json:"note_id"`
	Order   float64         `json:"order"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (b *Block) Kind() EntityType { return TypeBlock }
func (b *Block) Header() *Meta    { return &b.Meta }
func (b *Block) ParentID() string { return b.NoteID }

func (b *Block) Clone() Entity {
	c := *b
	if b.Content != nil {
		c.Content = append(json.RawMessage(nil), b.Content...)
	}
	return &c
}

// Validate checks if the Block has valid field values.
func (b *Block) Validate() error {
	if err := b.Meta.validate(); err != nil {
		return err
	}
	if b.NoteID == "" {
		return invalidf("note_id is required")
	}
	if math.IsNaN(b.Order) || math.IsInf(b.Order, 0) {
		return invalidf("order must be a finite number")
	}
	if len(b.Content) > 0 && !json.Valid(b.Content) {
		return invalidf("content must be valid JSON")
	}
	return nil
}

// SameContent reports whether b and other hold the same user-visible fields.
func (b *Block) SameContent(other *Block) bool {
	return b.NoteID == other.NoteID &&
		b.Order == other.Order &&
		b.Deleted == other.Deleted &&
		bytes.Equal(compact(b.Content), compact(other.Content))
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// SameContent reports whether a and b are the same kind and hold equal
// user-visible fields. Versions and clocks are ignored.
func SameContent(a, b Entity) bool {
	switch x := a.(type) {
	case *Note:
		y, ok := b.(*Note)
		return ok && x.SameContent(y)
	case *Block:
		y, ok := b.(*Block)
		return ok && x.SameContent(y)
	}
	return false
}
