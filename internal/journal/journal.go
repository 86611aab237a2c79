package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/schema"
)

const (
	entryPrefix = "journal/e/"
	indexPrefix = "journal/x/"
	idPrefix    = "journal/i/"
)

// DefaultLeaseTTL is how long an in-flight entry stays claimed before another
// process may recover it.
const DefaultLeaseTTL = 5 * time.Minute

// Journal is the Change Journal stored in an engine.
type Journal struct {
	eng engine.Engine
	// owner tags the entries this instance drains.
	owner string
}

// New returns a Journal stored in eng.
func New(eng engine.Engine) *Journal {
	return &Journal{eng: eng, owner: ksuid.New().String()}
}

// Owner returns the lease owner stamped on entries this journal drains.
func (j *Journal) Owner() string {
	return j.owner
}

func entryKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", entryPrefix, e.CreatedAt, e.ID))
}

func entityPrefix(k schema.Key) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/", indexPrefix, k.Type, k.ID))
}

func indexKey(e Entry) []byte {
	return append(entityPrefix(e.Key()), e.ID...)
}

func idKey(id string) []byte {
	return []byte(idPrefix + id)
}

// Append records e in its own transaction. See AppendTx.
func (j *Journal) Append(ctx context.Context, e Entry) (Entry, error) {
	var out Entry
	err := j.eng.Update(ctx, func(tx engine.Tx) error {
		var err error
		out, err = j.AppendTx(tx, e)
		return err
	})
	return out, err
}

// AppendTx records e, coalescing it with the entity's pending entry if there
// is one. It returns the entry as stored.
func (j *Journal) AppendTx(tx engine.Tx, e Entry) (Entry, error) {
	if !e.EntityType.Valid() || e.EntityID == "" {
		return Entry{}, fmt.Errorf("%w: journal entry needs an entity type and id", schema.ErrSchemaInvalid)
	}
	if !e.Operation.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown operation %q", schema.ErrSchemaInvalid, e.Operation)
	}

	existing, err := j.EntriesForTx(tx, e.Key())
	if err != nil {
		return Entry{}, err
	}
	for _, prev := range existing {
		if prev.InFlight {
			continue
		}
		merged := coalesce(prev, e)
		return merged, put(tx, merged)
	}

	if e.CreatedAt == 0 {
		if e.CreatedAt, err = TickTx(tx); err != nil {
			return Entry{}, err
		}
	}
	e.ID = ksuid.New().String()
	e.InFlight = false
	e.Sent = false
	e.Owner = ""
	e.LeasedAt = 0
	e.SyncAttempts = 0
	e.LastError = ""
	return e, put(tx, e)
}

// EntriesForTx returns every entry of the entity, oldest first.
func (j *Journal) EntriesForTx(tx engine.Tx, k schema.Key) ([]Entry, error) {
	var entries []Entry
	err := tx.Scan(entityPrefix(k), func(_, ref []byte) error {
		e, err := load(tx, ref)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].CreatedAt < entries[b].CreatedAt })
	return entries, nil
}

// Pending reports whether the entity has any unacknowledged entry.
func (j *Journal) Pending(ctx context.Context, k schema.Key) (bool, error) {
	var pending bool
	err := j.eng.View(ctx, func(tx engine.Tx) error {
		var err error
		pending, err = j.PendingTx(tx, k)
		return err
	})
	return pending, err
}

// PendingTx reports whether the entity has any unacknowledged entry.
func (j *Journal) PendingTx(tx engine.Tx, k schema.Key) (bool, error) {
	found := false
	err := tx.Scan(entityPrefix(k), func(_, _ []byte) error {
		found = true
		return nil
	})
	return found, err
}

// Drain leases up to max entries to this journal and returns them oldest
// first. Entities that already have an in-flight entry are skipped, and at
// most one entry per entity is returned. max <= 0 means no limit.
func (j *Journal) Drain(ctx context.Context, max int) ([]Entry, error) {
	var drained []Entry
	err := j.eng.Update(ctx, func(tx engine.Tx) error {
		drained = nil
		now := time.Now().UnixNano()

		all, err := scanEntries(tx)
		if err != nil {
			return err
		}

		busy := make(map[schema.Key]bool)
		for _, e := range all {
			if e.InFlight {
				busy[e.Key()] = true
			}
		}

		for _, e := range all {
			if max > 0 && len(drained) >= max {
				break
			}
			if e.InFlight || busy[e.Key()] {
				continue
			}
			busy[e.Key()] = true
			e.InFlight = true
			e.Sent = true
			e.Owner = j.owner
			e.LeasedAt = now
			if err := put(tx, e); err != nil {
				return err
			}
			drained = append(drained, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

// Acknowledge removes the entry. Acknowledging an unknown or already
// acknowledged entry is a no-op.
func (j *Journal) Acknowledge(ctx context.Context, id string) error {
	return j.eng.Update(ctx, func(tx engine.Tx) error {
		return j.AcknowledgeTx(tx, id)
	})
}

// AcknowledgeTx removes the entry inside tx.
func (j *Journal) AcknowledgeTx(tx engine.Tx, id string) error {
	e, err := lookup(tx, id)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return remove(tx, e)
}

// Release returns an in-flight entry to the pool after a failed push,
// incrementing its attempt count and recording cause. A pending successor
// for the same entity is folded into it. Releasing an unknown entry is a
// no-op.
func (j *Journal) Release(ctx context.Context, id string, cause error) error {
	return j.eng.Update(ctx, func(tx engine.Tx) error {
		e, err := lookup(tx, id)
		if errors.Is(err, engine.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		e.SyncAttempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		return j.returnToPool(tx, e)
	})
}

// RecoverInFlight returns to the pool in-flight entries whose lease is older
// than ttl, left behind by a process that stopped mid-push. A live process
// holds an entry for one push call, so a ttl well above the call timeout
// never takes an entry from it. It returns the number of entries recovered.
func (j *Journal) RecoverInFlight(ctx context.Context, ttl time.Duration) (int, error) {
	recovered := 0
	err := j.eng.Update(ctx, func(tx engine.Tx) error {
		recovered = 0
		cutoff := time.Now().Add(-ttl).UnixNano()
		all, err := scanEntries(tx)
		if err != nil {
			return err
		}
		for _, e := range all {
			if !e.InFlight || e.LeasedAt > cutoff {
				continue
			}
			e.LastError = "interrupted"
			if err := j.returnToPool(tx, e); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

func (j *Journal) returnToPool(tx engine.Tx, e Entry) error {
	e.InFlight = false
	e.Owner = ""
	e.LeasedAt = 0

	siblings, err := j.EntriesForTx(tx, e.Key())
	if err != nil {
		return err
	}
	for _, next := range siblings {
		if next.ID == e.ID || next.InFlight {
			continue
		}
		if err := remove(tx, next); err != nil {
			return err
		}
		e = coalesce(e, next)
	}
	return put(tx, e)
}

// RebaseTx moves the entity's pending entries onto baseVersion, the version
// the server just acknowledged.
func (j *Journal) RebaseTx(tx engine.Tx, k schema.Key, baseVersion int64) error {
	entries, err := j.EntriesForTx(tx, k)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.InFlight {
			continue
		}
		e.BaseVersion = baseVersion
		if err := put(tx, e); err != nil {
			return err
		}
	}
	return nil
}

// DiscardTx removes every entry of the entity, in flight or not, and returns
// how many were removed.
func (j *Journal) DiscardTx(tx engine.Tx, k schema.Key) (int, error) {
	entries, err := j.EntriesForTx(tx, k)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := remove(tx, e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// List returns every entry, oldest first.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := j.eng.View(ctx, func(tx engine.Tx) error {
		var err error
		entries, err = scanEntries(tx)
		return err
	})
	return entries, err
}

// Stats summarizes the journal.
type Stats struct {
	Total    int
	InFlight int
	// Failing counts entries that have been released at least once.
	Failing int
}

// Stats returns counts over the current entries.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	entries, err := j.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, e := range entries {
		s.Total++
		if e.InFlight {
			s.InFlight++
		}
		if e.SyncAttempts > 0 {
			s.Failing++
		}
	}
	return s, nil
}

func scanEntries(tx engine.Tx) ([]Entry, error) {
	var entries []Entry
	err := tx.Scan([]byte(entryPrefix), func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("failed to decode journal entry: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func lookup(tx engine.Tx, id string) (Entry, error) {
	ref, err := tx.Get(idKey(id))
	if err != nil {
		return Entry{}, err
	}
	return load(tx, ref)
}

func load(tx engine.Tx, ref []byte) (Entry, error) {
	data, err := tx.Get(ref)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load journal entry %s: %w", ref, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to decode journal entry %s: %w", ref, err)
	}
	return e, nil
}

func put(tx engine.Tx, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	ek := entryKey(e)
	if err := tx.Set(ek, data); err != nil {
		return err
	}
	if err := tx.Set(indexKey(e), ek); err != nil {
		return err
	}
	return tx.Set(idKey(e.ID), ek)
}

func remove(tx engine.Tx, e Entry) error {
	if err := tx.Delete(entryKey(e)); err != nil {
		return err
	}
	if err := tx.Delete(indexKey(e)); err != nil {
		return err
	}
	return tx.Delete(idKey(e.ID))
}
