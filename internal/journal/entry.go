package journal

import (
	"github.com/tasklytic/tasklytic/internal/schema"
)

// Entry is one pending change to one entity.
type Entry struct {
	ID         string            `json:"id"`
	EntityType schema.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Operation  schema.Operation  `json:"operation"`
	Payload    schema.Envelope   `json:"payload"`
	// BaseVersion is the server version the change was made against.
	BaseVersion int64 `json:"base_version"`
	// CreatedAt is the local logical clock when the entry was first appended.
	CreatedAt    int64  `json:"created_at"`
	SyncAttempts int    `json:"sync_attempts"`
	LastError    string `json:"last_error,omitempty"`
	InFlight     bool   `json:"in_flight,omitempty"`
	// Sent is set once the change may have reached the server, and survives
	// coalescing and release.
	Sent bool `json:"sent,omitempty"`
	// Owner and LeasedAt identify the journal holding the entry in flight.
	Owner    string `json:"owner,omitempty"`
	LeasedAt int64  `json:"leased_at,omitempty"`
}

// Key returns the key of the entity the entry changes.
func (e Entry) Key() schema.Key {
	return schema.Key{Type: e.EntityType, ID: e.EntityID}
}

// Entity decodes the payload snapshot.
func (e Entry) Entity() (schema.Entity, error) {
	return e.Payload.Decode()
}

// coalesce folds next into prev, the older pending entry for the same entity.
// The result keeps prev's identity, queue position and base version.
func coalesce(prev, next Entry) Entry {
	out := prev
	out.Payload = next.Payload

	switch {
	case next.Operation == schema.OpDelete:
		out.Operation = schema.OpDelete
	case prev.Operation == schema.OpDelete:
		if prev.BaseVersion > 0 {
			out.Operation = schema.OpUpdate
		} else {
			out.Operation = schema.OpCreate
		}
	case prev.Operation == schema.OpCreate:
		out.Operation = schema.OpCreate
	default:
		out.Operation = schema.OpUpdate
	}
	return out
}
