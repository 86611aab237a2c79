package schema

import (
	"encoding/json"
	"fmt"
)

// EntityType names a kind of synchronized entity.
type EntityType string

const (
	TypeNote  EntityType = "note"
	TypeBlock EntityType = "block"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == TypeNote || t == TypeBlock
}

// Operation is the kind of change recorded for an entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Meta holds the fields shared by every synchronized entity.
type Meta struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Version     int64  `json:"version"`
	BaseVersion int64  `json:"base_version,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
	Deleted     bool   `json:"deleted,omitempty"`
}

func (m *Meta) validate() error {
	if m.ID == "" {
		return invalidf("id is required")
	}
	if m.WorkspaceID == "" {
		return invalidf("workspace_id is required")
	}
	if m.Version < 0 || m.BaseVersion < 0 {
		return invalidf("versions must not be negative")
	}
	return nil
}

// Entity is implemented by *Note and *Block.
type Entity interface {
	Kind() EntityType
	Header() *Meta
	// ParentID returns the owning entity's ID, or "" for top-level entities.
	ParentID() string
	Clone() Entity
	Validate() error
}

// Key identifies an entity independent of its contents.
type Key struct {
	Type EntityType
	ID   string
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// KeyOf returns the Key of e.
func KeyOf(e Entity) Key {
	return Key{Type: e.Kind(), ID: e.Header().ID}
}

// Envelope is the kind-tagged JSON form of an entity.
type Envelope struct {
	Type EntityType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps e in an Envelope.
func Encode(e Entity) (Envelope, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", e.Kind(), err)
	}
	return Envelope{Type: e.Kind(), Data: data}, nil
}

// Decode unwraps the entity held by the envelope.
func (env Envelope) Decode() (Entity, error) {
	return DecodeEntity(env.Type, env.Data)
}

// IsZero reports whether the envelope carries no entity.
func (env Envelope) IsZero() bool {
	return env.Type == "" && len(env.Data) == 0
}

// DecodeEntity unmarshals data as an entity of type t.
func DecodeEntity(t EntityType, data []byte) (Entity, error) {
	var e Entity
	switch t {
	case TypeNote:
		e = &Note{}
	case TypeBlock:
		e = &Block{}
	default:
		return nil, invalidf("unknown entity type %q", t)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal %s: %v", ErrSchemaInvalid, t, err)
	}
	return e, nil
}

// New returns an empty entity of type t, or nil for an unknown type.
func New(t EntityType) Entity {
	switch t {
	case TypeNote:
		return &Note{}
	case TypeBlock:
		return &Block{}
	}
	return nil
}
