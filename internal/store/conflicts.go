package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/schema"
)

// ConflictRecord documents a local change that was discarded, replayed or
// rejected during sync, so that no edit disappears without a trace.
type ConflictRecord struct {
	ID            string            `json:"id"`
	EntityType    schema.EntityType `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	Outcome       string            `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	LocalVersion  int64             `json:"local_version"`
	ServerVersion int64             `json:"server_version"`
	// Local and Server are the two snapshots at the time of resolution.
	// Server is empty for rejections.
	Local      schema.Envelope `json:"local"`
	Server     schema.Envelope `json:"server,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// NewConflictRecord builds a record for the local copy and, when known, the
// server copy it collided with.
func NewConflictRecord(local, server schema.Entity, outcome, reason string) (*ConflictRecord, error) {
	env, err := schema.Encode(local)
	if err != nil {
		return nil, err
	}
	m := local.Header()
	r := &ConflictRecord{
		ID:           ksuid.New().String(),
		EntityType:   local.Kind(),
		EntityID:     m.ID,
		Outcome:      outcome,
		Reason:       reason,
		LocalVersion: m.Version,
		Local:        env,
		RecordedAt:   time.Now().UTC(),
	}
	if server != nil {
		if r.Server, err = schema.Encode(server); err != nil {
			return nil, err
		}
		r.ServerVersion = server.Header().Version
	}
	return r, nil
}

// Conflicts returns the conflict log, oldest first.
func (s *Store) Conflicts(ctx context.Context) ([]ConflictRecord, error) {
	var records []ConflictRecord
	err := s.eng.View(ctx, func(tx engine.Tx) error {
		records = nil
		return tx.Scan(conflictPrefix, func(_, value []byte) error {
			var r ConflictRecord
			if err := json.Unmarshal(value, &r); err != nil {
				return fmt.Errorf("failed to decode conflict record: %w", err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err = s.check("conflicts", err); err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].RecordedAt.Before(records[j].RecordedAt) })
	return records, nil
}

// ClearConflicts empties the conflict log.
func (s *Store) ClearConflicts(ctx context.Context) error {
	err := s.eng.Update(ctx, func(tx engine.Tx) error {
		return tx.Scan(conflictPrefix, func(key, _ []byte) error {
			return tx.Delete(key)
		})
	})
	return s.check("clear conflicts", err)
}

func putConflictTx(tx engine.Tx, r *ConflictRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode conflict record: %w", err)
	}
	return tx.Set(append(append([]byte(nil), conflictPrefix...), r.ID...), data)
}
