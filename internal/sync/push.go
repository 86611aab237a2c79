package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/tasklytic/tasklytic/internal/journal"
	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/resolve"
	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
)

func (e *Engine) push(ctx context.Context, stats *CycleStats) error {
	for round := 0; round < maxPushRounds; round++ {
		entries, err := e.journal.Drain(ctx, e.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to drain journal: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		e.setState(Pushing)

		if err := e.pushBatch(ctx, entries, stats); err != nil {
			return err
		}
	}

	// More work than one cycle may take: ask for another.
	e.mu.Lock()
	e.rerun = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) pushBatch(ctx context.Context, entries []journal.Entry, stats *CycleStats) error {
	changes := make([]protocol.Change, 0, len(entries))
	sent := make(map[string]journal.Entry, len(entries))

	for i, en := range entries {
		// A delete of something never sent to the server needs no round trip.
		if en.Operation == schema.OpDelete && en.BaseVersion == 0 && !en.Sent {
			if err := e.store.Rollback(ctx, en.Key(), nil); err != nil {
				e.releaseAll(ctx, append(mapValues(sent), entries[i:]...), err)
				return err
			}
			continue
		}
		changes = append(changes, protocol.Change{
			EntryID:     en.ID,
			EntityType:  en.EntityType,
			EntityID:    en.EntityID,
			Operation:   en.Operation,
			Payload:     en.Payload,
			BaseVersion: en.BaseVersion,
		})
		sent[en.ID] = en
	}
	if len(changes) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	results, err := e.remote.Push(callCtx, e.opts.Scope, changes)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = classify(err)
		}
		if errors.Is(err, ErrRejected) {
			// The whole request was refused: every change is rejected.
			pending := mapValues(sent)
			for i, en := range pending {
				stats.Pushed++
				stats.Rejected++
				if rerr := e.reject(ctx, en, err.Error()); rerr != nil {
					e.releaseAll(ctx, pending[i:], rerr)
					return rerr
				}
			}
			return nil
		}
		e.releaseAll(ctx, mapValues(sent), err)
		return fmt.Errorf("push failed: %w", err)
	}

	stats.Pushed += len(changes)
	var malformed error
	for _, r := range results {
		en, ok := sent[r.EntryID]
		if !ok {
			e.logger.Printf("WARNING: push result for unknown entry %s", r.EntryID)
			continue
		}
		delete(sent, r.EntryID)

		var herr error
		switch r.Status {
		case protocol.StatusAccepted:
			stats.Accepted++
			herr = e.store.Advance(ctx, en.Key(), en.ID, r.NewVersion)
		case protocol.StatusConflict:
			stats.Conflicts++
			herr = e.resolveConflict(ctx, en, r)
		case protocol.StatusRejected:
			stats.Rejected++
			herr = e.reject(ctx, en, r.Reason)
		default:
			malformed = fmt.Errorf("%w: unknown push status %q", ErrNetworkUnavailable, r.Status)
			herr = e.journal.Release(ctx, en.ID, malformed)
		}
		if errors.Is(herr, errNoServerCopy) {
			malformed = fmt.Errorf("%w: %v", ErrNetworkUnavailable, herr)
			herr = e.journal.Release(ctx, en.ID, malformed)
		}
		if herr != nil {
			e.strand(en.ID)
			e.releaseAll(ctx, mapValues(sent), herr)
			return herr
		}
	}

	if len(sent) > 0 {
		missing := fmt.Errorf("%w: server returned no result", ErrNetworkUnavailable)
		e.releaseAll(ctx, mapValues(sent), missing)
		return missing
	}
	// Answers the engine cannot act on wait for the backoff, not the next round.
	return malformed
}

var errNoServerCopy = errors.New("conflict without server copy")

func (e *Engine) resolveConflict(ctx context.Context, en journal.Entry, r protocol.Result) error {
	if r.Server == nil {
		return errNoServerCopy
	}
	local, err := e.localCopy(ctx, en)
	if err != nil {
		return err
	}

	server, err := r.Server.Decode()
	if err != nil {
		return e.dropInvalid(ctx, en, local, err)
	}
	res, err := resolve.Resolve(local, server)
	if errors.Is(err, schema.ErrSchemaInvalid) {
		return e.dropInvalid(ctx, en, local, err)
	}
	if err != nil {
		return err
	}

	rec := store.Reconciliation{Key: en.Key(), Server: res.Merged, Requeue: res.Requeue}
	if res.Outcome != resolve.Converged {
		rec.Record, err = store.NewConflictRecord(local, server, string(res.Outcome), res.Reason)
		if err != nil {
			return err
		}
	}
	if err := e.store.Reconcile(ctx, rec); err != nil {
		return err
	}

	if res.Discarded {
		e.notify.Notify(Notice{
			Level:   LevelWarning,
			Kind:    NoticeConflict,
			Key:     en.Key(),
			Message: "local change replaced by the server copy: " + res.Reason,
		})
	}
	e.logger.Printf("Resolved conflict on %s: %s", en.Key(), res.Outcome)
	return nil
}

const (
	outcomeRejected      = "rejected"
	outcomeSchemaInvalid = "schema_invalid"
)

func (e *Engine) reject(ctx context.Context, en journal.Entry, reason string) error {
	local, err := e.localCopy(ctx, en)
	if err != nil {
		return err
	}
	rec, err := store.NewConflictRecord(local, nil, outcomeRejected, reason)
	if err != nil {
		return err
	}
	if err := e.store.Rollback(ctx, en.Key(), rec); err != nil {
		return err
	}
	e.notify.Notify(Notice{
		Level:   LevelError,
		Kind:    NoticeRejected,
		Key:     en.Key(),
		Message: reason,
	})
	return nil
}

// dropInvalid discards the entity's pending changes when its conflict cannot
// be resolved, keeping the local copy in a conflict record.
func (e *Engine) dropInvalid(ctx context.Context, en journal.Entry, local schema.Entity, cause error) error {
	rec, err := store.NewConflictRecord(local, nil, outcomeSchemaInvalid, cause.Error())
	if err != nil {
		return err
	}
	if err := e.store.Rollback(ctx, en.Key(), rec); err != nil {
		return err
	}
	e.notifySchema(en.Key(), cause)
	e.logger.Printf("WARNING: dropped changes to %s: %v", en.Key(), cause)
	return nil
}

// localCopy returns the stored entity, falling back to the entry's payload
// snapshot when it has already been purged.
func (e *Engine) localCopy(ctx context.Context, en journal.Entry) (schema.Entity, error) {
	local, err := e.store.Lookup(ctx, en.EntityType, en.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return en.Entity()
	}
	return local, err
}

func (e *Engine) releaseAll(ctx context.Context, entries []journal.Entry, cause error) {
	for _, en := range entries {
		if err := e.journal.Release(ctx, en.ID, cause); err != nil {
			e.logger.Printf("WARNING: failed to release %s: %v", en.ID, err)
			e.strand(en.ID)
		}
	}
}

func (e *Engine) notifySchema(k schema.Key, err error) {
	e.notify.Notify(Notice{Level: LevelError, Kind: NoticeSchemaInvalid, Key: k, Message: err.Error()})
}

func mapValues(m map[string]journal.Entry) []journal.Entry {
	out := make([]journal.Entry, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
