package store

import (
	"context"
	"errors"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/journal"
	"github.com/tasklytic/tasklytic/internal/schema"
)

// Applied describes what ApplyRemote did with a server entity.
type Applied int

const (
	// AppliedWrite means the server copy replaced the local one.
	AppliedWrite Applied = iota
	// AppliedPurge means a server tombstone removed the local copy.
	AppliedPurge
	// SkippedPending means the entity has unpushed local changes; the push
	// path will reconcile it.
	SkippedPending
	// SkippedStale means the local copy already reflects this version.
	SkippedStale
)

func (a Applied) String() string {
	switch a {
	case AppliedWrite:
		return "applied"
	case AppliedPurge:
		return "purged"
	case SkippedPending:
		return "skipped (pending local changes)"
	case SkippedStale:
		return "skipped (stale)"
	default:
		return "unknown"
	}
}

// ApplyRemote merges an entity received from a pull. It never overwrites an
// entity that has journal entries, and applying the same version twice is a
// no-op.
func (s *Store) ApplyRemote(ctx context.Context, e schema.Entity) (Applied, error) {
	key := schema.KeyOf(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	var result Applied
	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		m := e.Header()
		if err := journal.ObserveTx(tx, m.UpdatedAt); err != nil {
			return err
		}

		pending, err := s.journal.PendingTx(tx, key)
		if err != nil {
			return err
		}
		if pending {
			result = SkippedPending
			return nil
		}

		local, err := getEntity(tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if local != nil && m.Version <= local.Header().BaseVersion {
			result = SkippedStale
			return nil
		}

		if m.Deleted {
			result = AppliedPurge
			if local == nil {
				return nil
			}
			return purgeTx(tx, local)
		}

		result = AppliedWrite
		return putRemoteTx(tx, e)
	})
	if err = s.check("apply remote", err); err != nil {
		return 0, err
	}
	if result == AppliedWrite || result == AppliedPurge {
		s.emit(key, true)
	}
	return result, nil
}

// Advance records that the server accepted journal entry entryID at
// newVersion. The entry is acknowledged; the local copy moves onto the new
// version, and any successor entry is rebased onto it. An acknowledged delete
// with nothing pending purges the tombstone.
func (s *Store) Advance(ctx context.Context, key schema.Key, entryID string, newVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		if err := s.journal.AcknowledgeTx(tx, entryID); err != nil {
			return err
		}

		local, err := getEntity(tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		pending, err := s.journal.PendingTx(tx, key)
		if err != nil {
			return err
		}

		m := local.Header()
		m.BaseVersion = newVersion
		switch {
		case pending:
			m.Version = newVersion + 1
			if err := s.journal.RebaseTx(tx, key, newVersion); err != nil {
				return err
			}
		case m.Deleted:
			return purgeTx(tx, local)
		default:
			m.Version = newVersion
		}
		return putEntity(tx, local)
	})
	return s.check("advance", err)
}

// Reconciliation is the outcome of a push conflict, applied atomically by
// Reconcile.
type Reconciliation struct {
	Key schema.Key
	// Server becomes the acknowledged local state.
	Server schema.Entity
	// Requeue, if set, is replayed as a local change against Server.Version.
	Requeue schema.Entity
	// Record, if set, is appended to the conflict log.
	Record *ConflictRecord
}

// Reconcile replaces every journal entry of the entity with the outcome of a
// conflict resolution.
func (s *Store) Reconcile(ctx context.Context, r Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		if _, err := s.journal.DiscardTx(tx, r.Key); err != nil {
			return err
		}
		if r.Record != nil {
			if err := putConflictTx(tx, r.Record); err != nil {
				return err
			}
		}

		adopted := r.Server.Clone()
		am := adopted.Header()
		if am.Deleted && r.Requeue == nil {
			local, err := getEntity(tx, r.Key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return purgeTx(tx, local)
		}
		if err := putRemoteTx(tx, adopted); err != nil {
			return err
		}
		if r.Requeue == nil {
			return nil
		}

		replay := r.Requeue.Clone()
		rm := replay.Header()
		rm.Version = am.Version + 1
		rm.BaseVersion = am.Version
		op := schema.OpUpdate
		if rm.Deleted {
			op = schema.OpDelete
		}
		if err := unindexTx(tx, adopted); err != nil {
			return err
		}
		return s.writeLocalTx(tx, replay, op)
	})
	if err = s.check("reconcile", err); err != nil {
		return err
	}
	s.emit(r.Key, true)
	return nil
}

// Rollback handles a change the server permanently rejected: every journal
// entry of the entity is dropped and the rejection recorded. An entity that
// never reached the server is purged; otherwise the local copy is marked live
// at its last acknowledged version and the next server change overwrites it.
func (s *Store) Rollback(ctx context.Context, key schema.Key, record *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		if _, err := s.journal.DiscardTx(tx, key); err != nil {
			return err
		}
		if record != nil {
			if err := putConflictTx(tx, record); err != nil {
				return err
			}
		}

		local, err := getEntity(tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m := local.Header()
		if m.BaseVersion == 0 {
			return purgeTx(tx, local)
		}
		m.Version = m.BaseVersion
		m.Deleted = false
		return putEntity(tx, local)
	})
	if err = s.check("rollback", err); err != nil {
		return err
	}
	s.emit(key, true)
	return nil
}
