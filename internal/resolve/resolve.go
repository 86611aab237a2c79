// Package resolve decides the outcome when a pushed change collides with a
// newer server state.
//
// Resolve is a pure function of the local and server copies of one entity:
//
//   - the copy with the higher Version wins outright
//   - on a tie, fields are merged: Block.Order keeps the local position, free
//     text takes the server value and the local edit is requeued against the
//     server version
//   - a delete beats an update only if it was based on a version at least as
//     new as the update's; otherwise the update is replayed against the
//     undone entity
//
// Every outcome that drops local data says so, so callers can record it.
package resolve

import (
	"fmt"

	"github.com/tasklytic/tasklytic/internal/schema"
)

// Outcome names how a conflict was settled.
type Outcome string

const (
	// ServerWins adopts the server copy and discards the local change.
	ServerWins Outcome = "server_wins"
	// LocalWins adopts the server copy as the new base and replays the
	// local change on top of it.
	LocalWins Outcome = "local_wins"
	// Merged adopts the server copy with mergeable local fields and replays
	// the remaining local edits on top of it.
	Merged Outcome = "merged"
	// Converged means both sides already agree.
	Converged Outcome = "converged"
	// DeleteWins replays the local delete against the server version.
	DeleteWins Outcome = "delete_wins"
	// UpdateReplayed undoes the delete: the update survives.
	UpdateReplayed Outcome = "update_replayed"
)

// Resolution is the result of Resolve.
type Resolution struct {
	Outcome Outcome
	// Merged becomes the acknowledged local state.
	Merged schema.Entity
	// Requeue, if non-nil, is the local change to push again against
	// Merged's version.
	Requeue schema.Entity
	// Discarded is set when a local change is dropped without replay.
	Discarded bool
	Reason    string
}

// Resolve settles a conflict between the local copy of an entity and the
// server's current copy.
func Resolve(local, server schema.Entity) (Resolution, error) {
	if local == nil || server == nil {
		return Resolution{}, fmt.Errorf("%w: resolve needs both copies", schema.ErrSchemaInvalid)
	}
	if schema.KeyOf(local) != schema.KeyOf(server) {
		return Resolution{}, fmt.Errorf("%w: cannot resolve %s against %s",
			schema.ErrSchemaInvalid, schema.KeyOf(local), schema.KeyOf(server))
	}

	lm, sm := local.Header(), server.Header()

	switch {
	case lm.Deleted && sm.Deleted:
		return Resolution{
			Outcome: Converged,
			Merged:  server.Clone(),
			Reason:  "deleted on both sides",
		}, nil

	case lm.Deleted:
		if lm.BaseVersion >= sm.Version {
			return Resolution{
				Outcome: DeleteWins,
				Merged:  server.Clone(),
				Requeue: local.Clone(),
				Reason:  "local delete is based on the server version",
			}, nil
		}
		return Resolution{
			Outcome:   UpdateReplayed,
			Merged:    server.Clone(),
			Discarded: true,
			Reason:    fmt.Sprintf("server updated to version %d after the delete's base %d", sm.Version, lm.BaseVersion),
		}, nil

	case sm.Deleted:
		// The server delete was based on the version before its tombstone.
		if sm.Version-1 >= lm.BaseVersion {
			return Resolution{
				Outcome:   DeleteWins,
				Merged:    server.Clone(),
				Discarded: true,
				Reason:    "deleted on the server",
			}, nil
		}
		return Resolution{
			Outcome: UpdateReplayed,
			Merged:  server.Clone(),
			Requeue: local.Clone(),
			Reason:  "local update is newer than the server delete",
		}, nil
	}

	switch {
	case sm.Version > lm.Version:
		return Resolution{
			Outcome:   ServerWins,
			Merged:    server.Clone(),
			Discarded: true,
			Reason:    fmt.Sprintf("server version %d is newer than local version %d", sm.Version, lm.Version),
		}, nil

	case lm.Version > sm.Version:
		return Resolution{
			Outcome: LocalWins,
			Merged:  server.Clone(),
			Requeue: local.Clone(),
			Reason:  fmt.Sprintf("local version %d is newer than server version %d", lm.Version, sm.Version),
		}, nil
	}

	if schema.SameContent(local, server) {
		return Resolution{Outcome: Converged, Merged: server.Clone()}, nil
	}

	merged := mergeFields(local, server)
	res := Resolution{Outcome: Merged, Merged: merged, Reason: "concurrent edits of the same version"}
	if !schema.SameContent(local, merged) {
		res.Requeue = local.Clone()
	}
	return res, nil
}

// mergeFields returns the server copy with the mergeable local fields
// applied.
func mergeFields(local, server schema.Entity) schema.Entity {
	out := server.Clone()
	if lb, ok := local.(*schema.Block); ok {
		ob := out.(*schema.Block)
		if lb.NoteID == ob.NoteID {
			ob.Order = lb.Order
		}
	}
	return out
}
