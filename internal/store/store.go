// Package store implements the Local Store: the client-side mirror of the
// server's notes and blocks that the UI reads and writes.
//
// Every local write is paired, in the same storage transaction, with an
// append to the Change Journal. Writes that originate from the server (pull,
// conflict resolution) are marked FromRemote and never journaled.
//
// Deletes tombstone rather than remove, so that a delete can be undone with
// Restore until the server has acknowledged it; Purge removes the tombstone
// afterwards.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/journal"
	"github.com/tasklytic/tasklytic/internal/schema"
)

// Store is the Local Store.
type Store struct {
	eng     engine.Engine
	journal *journal.Journal
	logger  *log.Logger

	// mu serializes read-modify-write cycles within this process.
	// Cross-process writers are serialized by the engine.
	mu sync.Mutex

	watchMu  sync.Mutex
	watchers map[int]chan ChangeEvent
	nextID   int

	failures atomic.Int64
}

// New returns a Store over eng. If logger is nil, a default stderr logger is
// used.
func New(eng engine.Engine, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{
		eng:      eng,
		journal:  journal.New(eng),
		logger:   logger,
		watchers: make(map[int]chan ChangeEvent),
	}
}

// Journal returns the Change Journal that shares the store's engine.
func (s *Store) Journal() *journal.Journal {
	return s.journal
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	s.watchMu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.watchMu.Unlock()
	return s.eng.Close()
}

// WriteOption modifies a Put or Delete.
type WriteOption func(*writeOptions)

type writeOptions struct {
	remote bool
}

// FromRemote marks a write as originating from the server: the entity is
// stored as-is, as the acknowledged state, and nothing is journaled.
func FromRemote() WriteOption {
	return func(o *writeOptions) { o.remote = true }
}

func applyOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get returns the live entity, or ErrNotFound if it is missing or
// tombstoned.
func (s *Store) Get(ctx context.Context, kind schema.EntityType, id string) (schema.Entity, error) {
	e, err := s.Lookup(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if e.Header().Deleted {
		return nil, notFound(schema.Key{Type: kind, ID: id})
	}
	return e, nil
}

// Lookup is like Get but also returns tombstones.
func (s *Store) Lookup(ctx context.Context, kind schema.EntityType, id string) (schema.Entity, error) {
	var out schema.Entity
	err := s.eng.View(ctx, func(tx engine.Tx) error {
		var err error
		out, err = getEntity(tx, schema.Key{Type: kind, ID: id})
		return err
	})
	return out, s.check("lookup", err)
}

// GetNote returns the live note with the given id.
func (s *Store) GetNote(ctx context.Context, id string) (*schema.Note, error) {
	e, err := s.Get(ctx, schema.TypeNote, id)
	if err != nil {
		return nil, err
	}
	return e.(*schema.Note), nil
}

// GetBlock returns the live block with the given id.
func (s *Store) GetBlock(ctx context.Context, id string) (*schema.Block, error) {
	e, err := s.Get(ctx, schema.TypeBlock, id)
	if err != nil {
		return nil, err
	}
	return e.(*schema.Block), nil
}

// Put upserts e.
//
// A local write stamps e's Meta: Version is bumped past the stored copy,
// BaseVersion carried over, UpdatedAt ticked from the logical clock, and a
// create or update is journaled. Writing over a tombstone fails with
// ErrDeleted. Blocks need a live parent note.
func (s *Store) Put(ctx context.Context, e schema.Entity, opts ...WriteOption) error {
	if err := e.Validate(); err != nil {
		return err
	}
	o := applyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		if o.remote {
			return putRemoteTx(tx, e)
		}
		return s.putLocalTx(tx, e)
	})
	if err = s.check("put", err); err != nil {
		return err
	}
	s.emit(schema.KeyOf(e), o.remote)
	return nil
}

func (s *Store) putLocalTx(tx engine.Tx, e schema.Entity) error {
	key := schema.KeyOf(e)
	m := e.Header()

	existing, err := getEntity(tx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if b, ok := e.(*schema.Block); ok {
		if err := requireLiveNote(tx, b.NoteID); err != nil {
			return err
		}
	}

	op := schema.OpCreate
	if existing != nil {
		em := existing.Header()
		if em.Deleted {
			return fmt.Errorf("%w: %s", ErrDeleted, key)
		}
		op = schema.OpUpdate
		m.Version = em.Version + 1
		m.BaseVersion = em.BaseVersion
		if err := unindexTx(tx, existing); err != nil {
			return err
		}
	} else {
		m.Version = 1
		m.BaseVersion = 0
	}
	m.Deleted = false

	return s.writeLocalTx(tx, e, op)
}

// writeLocalTx ticks the clock, stores e and journals op.
func (s *Store) writeLocalTx(tx engine.Tx, e schema.Entity, op schema.Operation) error {
	now, err := journal.TickTx(tx)
	if err != nil {
		return err
	}
	m := e.Header()
	m.UpdatedAt = now

	if err := putEntity(tx, e); err != nil {
		return err
	}

	env, err := schema.Encode(e)
	if err != nil {
		return err
	}
	_, err = s.journal.AppendTx(tx, journal.Entry{
		EntityType:  e.Kind(),
		EntityID:    m.ID,
		Operation:   op,
		Payload:     env,
		BaseVersion: m.BaseVersion,
		CreatedAt:   now,
	})
	return err
}

func putRemoteTx(tx engine.Tx, e schema.Entity) error {
	m := e.Header()
	m.BaseVersion = m.Version
	if err := journal.ObserveTx(tx, m.UpdatedAt); err != nil {
		return err
	}
	existing, err := getEntity(tx, schema.KeyOf(e))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if err := unindexTx(tx, existing); err != nil {
			return err
		}
	}
	return putEntity(tx, e)
}

// Delete tombstones the entity. Deleting a note also tombstones its live
// blocks. Deleting a tombstone is a no-op.
func (s *Store) Delete(ctx context.Context, kind schema.EntityType, id string, opts ...WriteOption) error {
	o := applyOptions(opts)
	key := schema.Key{Type: kind, ID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []schema.Key
	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		changed = nil
		e, err := getEntity(tx, key)
		if err != nil {
			return err
		}
		if e.Header().Deleted {
			return nil
		}

		if kind == schema.TypeNote {
			blocks, err := blocksOfTx(tx, id)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				if b.Deleted {
					continue
				}
				if err := s.tombstoneTx(tx, b, o.remote); err != nil {
					return err
				}
				changed = append(changed, schema.KeyOf(b))
			}
		}

		if err := s.tombstoneTx(tx, e, o.remote); err != nil {
			return err
		}
		changed = append(changed, key)
		return nil
	})
	if err = s.check("delete", err); err != nil {
		return err
	}
	for _, k := range changed {
		s.emit(k, o.remote)
	}
	return nil
}

func (s *Store) tombstoneTx(tx engine.Tx, e schema.Entity, remote bool) error {
	m := e.Header()
	m.Deleted = true
	m.Version++
	if remote {
		m.BaseVersion = m.Version
		return putEntity(tx, e)
	}
	return s.writeLocalTx(tx, e, schema.OpDelete)
}

// Restore undoes a delete that the server has not yet acknowledged. Restoring
// a note also restores its tombstoned blocks.
func (s *Store) Restore(ctx context.Context, kind schema.EntityType, id string) error {
	key := schema.Key{Type: kind, ID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []schema.Key
	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		changed = nil
		e, err := getEntity(tx, key)
		if err != nil {
			return err
		}
		if !e.Header().Deleted {
			return fmt.Errorf("%w: %s", ErrNotDeleted, key)
		}
		if b, ok := e.(*schema.Block); ok {
			if err := requireLiveNote(tx, b.NoteID); err != nil {
				return err
			}
		}

		if err := s.reviveTx(tx, e); err != nil {
			return err
		}
		changed = append(changed, key)

		if kind == schema.TypeNote {
			blocks, err := blocksOfTx(tx, id)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				if !b.Deleted {
					continue
				}
				if err := s.reviveTx(tx, b); err != nil {
					return err
				}
				changed = append(changed, schema.KeyOf(b))
			}
		}
		return nil
	})
	if err = s.check("restore", err); err != nil {
		return err
	}
	for _, k := range changed {
		s.emit(k, false)
	}
	return nil
}

func (s *Store) reviveTx(tx engine.Tx, e schema.Entity) error {
	m := e.Header()
	m.Deleted = false
	m.Version++
	return s.writeLocalTx(tx, e, schema.OpCreate)
}

// Purge physically removes a tombstoned entity.
func (s *Store) Purge(ctx context.Context, kind schema.EntityType, id string) error {
	key := schema.Key{Type: kind, ID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		e, err := getEntity(tx, key)
		if err != nil {
			return err
		}
		if !e.Header().Deleted {
			return fmt.Errorf("%w: %s", ErrNotDeleted, key)
		}
		return purgeTx(tx, e)
	})
	return s.check("purge", err)
}

// QueryByParent returns the live blocks of a note, by Order then ID.
func (s *Store) QueryByParent(ctx context.Context, noteID string) ([]*schema.Block, error) {
	var out []*schema.Block
	err := s.eng.View(ctx, func(tx engine.Tx) error {
		blocks, err := blocksOfTx(tx, noteID)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, b := range blocks {
			if !b.Deleted {
				out = append(out, b)
			}
		}
		return nil
	})
	if err = s.check("query", err); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListNotes returns the live notes of a workspace, favorites first, then by
// title.
func (s *Store) ListNotes(ctx context.Context, workspaceID string) ([]*schema.Note, error) {
	var out []*schema.Note
	err := s.eng.View(ctx, func(tx engine.Tx) error {
		out = nil
		return tx.Scan(workspacePrefix(workspaceID), func(key, _ []byte) error {
			e, err := getEntity(tx, schema.Key{Type: schema.TypeNote, ID: lastSegment(key)})
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if n := e.(*schema.Note); !n.Deleted {
				out = append(out, n)
			}
			return nil
		})
	})
	if err = s.check("list", err); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Favorite != out[j].Favorite {
			return out[i].Favorite
		}
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Cursor returns the last server sequence pulled for the workspace.
func (s *Store) Cursor(ctx context.Context, workspaceID string) (int64, error) {
	var cursor int64
	err := s.eng.View(ctx, func(tx engine.Tx) error {
		raw, err := tx.Get(cursorKey(workspaceID))
		if errors.Is(err, engine.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cursor, err = strconv.ParseInt(string(raw), 10, 64)
		return err
	})
	return cursor, s.check("cursor", err)
}

// SetCursor records the last server sequence pulled for the workspace.
func (s *Store) SetCursor(ctx context.Context, workspaceID string, cursor int64) error {
	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		return tx.Set(cursorKey(workspaceID), []byte(strconv.FormatInt(cursor, 10)))
	})
	return s.check("set cursor", err)
}

// check counts engine failures and wraps them in ErrStorageUnavailable.
// Logical outcomes pass through untouched.
func (s *Store) check(op string, err error) error {
	if err == nil {
		s.failures.Store(0)
		return nil
	}
	if isLogical(err) {
		return err
	}
	n := s.failures.Add(1)
	s.logger.Printf("WARNING: %s failed (%d consecutive storage failures): %v", op, n, err)
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// Health reports the number of consecutive storage failures.
func (s *Store) Health() int64 {
	return s.failures.Load()
}

func getEntity(tx engine.Tx, k schema.Key) (schema.Entity, error) {
	raw, err := tx.Get(entityKey(k))
	if errors.Is(err, engine.ErrKeyNotFound) {
		return nil, notFound(k)
	}
	if err != nil {
		return nil, err
	}
	return schema.DecodeEntity(k.Type, raw)
}

func putEntity(tx engine.Tx, e schema.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", e.Kind(), err)
	}
	if err := tx.Set(entityKey(schema.KeyOf(e)), data); err != nil {
		return err
	}
	switch v := e.(type) {
	case *schema.Note:
		return tx.Set(workspaceKey(v.WorkspaceID, v.ID), []byte{})
	case *schema.Block:
		return tx.Set(parentKey(v.NoteID, v.ID), []byte{})
	}
	return nil
}

// unindexTx drops secondary index entries of the stored copy, which may
// differ from the copy about to be written.
func unindexTx(tx engine.Tx, e schema.Entity) error {
	switch v := e.(type) {
	case *schema.Note:
		return tx.Delete(workspaceKey(v.WorkspaceID, v.ID))
	case *schema.Block:
		return tx.Delete(parentKey(v.NoteID, v.ID))
	}
	return nil
}

func purgeTx(tx engine.Tx, e schema.Entity) error {
	if err := unindexTx(tx, e); err != nil {
		return err
	}
	return tx.Delete(entityKey(schema.KeyOf(e)))
}

func blocksOfTx(tx engine.Tx, noteID string) ([]*schema.Block, error) {
	var blocks []*schema.Block
	err := tx.Scan(parentPrefix(noteID), func(key, _ []byte) error {
		e, err := getEntity(tx, schema.Key{Type: schema.TypeBlock, ID: lastSegment(key)})
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		blocks = append(blocks, e.(*schema.Block))
		return nil
	})
	return blocks, err
}

func requireLiveNote(tx engine.Tx, noteID string) error {
	k := schema.Key{Type: schema.TypeNote, ID: noteID}
	note, err := getEntity(tx, k)
	if err != nil {
		return fmt.Errorf("parent note: %w", err)
	}
	if note.Header().Deleted {
		return fmt.Errorf("parent note: %w", notFound(k))
	}
	return nil
}
