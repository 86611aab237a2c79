package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/schema"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	eng, err := engine.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng)
}

func noteEntry(id string, op schema.Operation, title string, base int64) Entry {
	env, _ := schema.Encode(&schema.Note{
		Meta:    schema.Meta{ID: id, WorkspaceID: "ws", BaseVersion: base, Deleted: op == schema.OpDelete},
		OwnerID: "u1",
		Title:   title,
	})
	return Entry{
		EntityType:  schema.TypeNote,
		EntityID:    id,
		Operation:   op,
		Payload:     env,
		BaseVersion: base,
	}
}

func titleOf(t *testing.T, e Entry) string {
	t.Helper()
	ent, err := e.Entity()
	require.NoError(t, err)
	return ent.(*schema.Note).Title
}

func TestAppend_Coalescing(t *testing.T) {
	tests := []struct {
		name   string
		base   int64
		first  schema.Operation
		second schema.Operation
		want   schema.Operation
	}{
		{"create then update stays create", 0, schema.OpCreate, schema.OpUpdate, schema.OpCreate},
		{"update then update", 3, schema.OpUpdate, schema.OpUpdate, schema.OpUpdate},
		{"create then delete", 0, schema.OpCreate, schema.OpDelete, schema.OpDelete},
		{"update then delete", 3, schema.OpUpdate, schema.OpDelete, schema.OpDelete},
		{"delete then create on synced entity", 3, schema.OpDelete, schema.OpCreate, schema.OpUpdate},
		{"delete then create on unsynced entity", 0, schema.OpDelete, schema.OpCreate, schema.OpCreate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			j := newTestJournal(t)

			first, err := j.Append(ctx, noteEntry("n1", tt.first, "one", tt.base))
			require.NoError(t, err)
			second, err := j.Append(ctx, noteEntry("n1", tt.second, "two", tt.base))
			require.NoError(t, err)

			entries, err := j.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			got := entries[0]
			assert.Equal(t, first.ID, got.ID, "coalesced entry keeps its identity")
			assert.Equal(t, first.CreatedAt, second.CreatedAt, "coalesced entry keeps its queue position")
			assert.Equal(t, tt.want, got.Operation)
			assert.Equal(t, tt.base, got.BaseVersion)
			assert.Equal(t, "two", titleOf(t, got), "latest payload wins")
		})
	}
}

func TestDrain_OldestFirstOnePerEntity(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.Append(ctx, noteEntry("b", schema.OpCreate, "b", 0))
	require.NoError(t, err)
	_, err = j.Append(ctx, noteEntry("a", schema.OpCreate, "a", 0))
	require.NoError(t, err)
	_, err = j.Append(ctx, noteEntry("c", schema.OpCreate, "c", 0))
	require.NoError(t, err)

	drained, err := j.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].EntityID)
	assert.Equal(t, "a", drained[1].EntityID)
	assert.True(t, drained[0].InFlight)

	rest, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].EntityID)

	none, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none, "everything is in flight")
}

func TestAppend_WhileInFlightCreatesSuccessor(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.Append(ctx, noteEntry("x", schema.OpUpdate, "v1", 4))
	require.NoError(t, err)
	inflight, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, inflight, 1)

	_, err = j.Append(ctx, noteEntry("x", schema.OpUpdate, "v2", 4))
	require.NoError(t, err)
	_, err = j.Append(ctx, noteEntry("x", schema.OpDelete, "v2", 4))
	require.NoError(t, err)

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2, "in-flight entry plus one coalesced successor")
	assert.Equal(t, schema.OpUpdate, entries[0].Operation)
	assert.True(t, entries[0].InFlight)
	assert.Equal(t, schema.OpDelete, entries[1].Operation)

	more, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, more, "successor waits for the in-flight entry")

	// The push is accepted at version 5: the successor moves onto it.
	require.NoError(t, j.eng.Update(ctx, func(tx engine.Tx) error {
		if err := j.AcknowledgeTx(tx, inflight[0].ID); err != nil {
			return err
		}
		return j.RebaseTx(tx, inflight[0].Key(), 5)
	}))

	next, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, schema.OpDelete, next[0].Operation)
	assert.Equal(t, int64(5), next[0].BaseVersion)
}

func TestRelease_FoldsSuccessor(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.Append(ctx, noteEntry("x", schema.OpCreate, "draft", 0))
	require.NoError(t, err)
	inflight, err := j.Drain(ctx, 0)
	require.NoError(t, err)

	_, err = j.Append(ctx, noteEntry("x", schema.OpUpdate, "final", 0))
	require.NoError(t, err)

	require.NoError(t, j.Release(ctx, inflight[0].ID, errors.New("network unreachable")))

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, inflight[0].ID, got.ID)
	assert.Equal(t, schema.OpCreate, got.Operation)
	assert.Equal(t, "final", titleOf(t, got))
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Equal(t, "network unreachable", got.LastError)
	assert.False(t, got.InFlight)
}

func TestAcknowledge_Idempotent(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	e, err := j.Append(ctx, noteEntry("x", schema.OpCreate, "t", 0))
	require.NoError(t, err)

	require.NoError(t, j.Acknowledge(ctx, e.ID))
	require.NoError(t, j.Acknowledge(ctx, e.ID))
	require.NoError(t, j.Release(ctx, e.ID, errors.New("late")))

	stats, err := j.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.Append(ctx, noteEntry("x", schema.OpCreate, "t", 0))
	require.NoError(t, err)
	_, err = j.Drain(ctx, 0)
	require.NoError(t, err)

	n, err := j.RecoverInFlight(ctx, DefaultLeaseTTL)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh lease is left alone")

	n, err = j.RecoverInFlight(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Zero(t, again[0].SyncAttempts, "recovery is not a failed attempt")
	assert.Equal(t, j.Owner(), again[0].Owner)
}

func TestRecoverInFlight_SharedStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	openJournal := func() *Journal {
		eng, err := engine.OpenSQLite(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = eng.Close() })
		return New(eng)
	}
	daemon, cli := openJournal(), openJournal()

	_, err := daemon.Append(ctx, noteEntry("x", schema.OpCreate, "t", 0))
	require.NoError(t, err)
	held, err := daemon.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, held, 1)

	n, err := cli.RecoverInFlight(ctx, DefaultLeaseTTL)
	require.NoError(t, err)
	assert.Zero(t, n)

	stolen, err := cli.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stolen, "an entry is never in flight twice")

	entries, err := cli.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].InFlight)
	assert.Equal(t, daemon.Owner(), entries[0].Owner)
	assert.WithinDuration(t, time.Now(), time.Unix(0, entries[0].LeasedAt), time.Minute)
}

func TestSent_SurvivesReleaseAndCoalescing(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	e, err := j.Append(ctx, noteEntry("x", schema.OpCreate, "t", 0))
	require.NoError(t, err)
	assert.False(t, e.Sent)

	drained, err := j.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.True(t, drained[0].Sent)

	// Deleted while the create's ack was lost.
	_, err = j.Append(ctx, noteEntry("x", schema.OpDelete, "t", 0))
	require.NoError(t, err)
	require.NoError(t, j.Release(ctx, e.ID, errors.New("timeout")))

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, schema.OpDelete, got.Operation)
	assert.Zero(t, got.BaseVersion)
	assert.True(t, got.Sent, "the folded delete must still reach the server")
	assert.Empty(t, got.Owner)
	assert.Zero(t, got.LeasedAt)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.Append(ctx, noteEntry("x", schema.OpUpdate, "a", 2))
	require.NoError(t, err)
	_, err = j.Drain(ctx, 0)
	require.NoError(t, err)
	_, err = j.Append(ctx, noteEntry("x", schema.OpUpdate, "b", 2))
	require.NoError(t, err)

	var removed int
	require.NoError(t, j.eng.Update(ctx, func(tx engine.Tx) error {
		removed, err = j.DiscardTx(tx, schema.Key{Type: schema.TypeNote, ID: "x"})
		return err
	}))
	assert.Equal(t, 2, removed)

	pending, err := j.Pending(ctx, schema.Key{Type: schema.TypeNote, ID: "x"})
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestAppend_RejectsBadEntries(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	_, err := j.Append(ctx, Entry{EntityType: "comment", EntityID: "x", Operation: schema.OpCreate})
	assert.ErrorIs(t, err, schema.ErrSchemaInvalid)

	_, err = j.Append(ctx, Entry{EntityType: schema.TypeNote, EntityID: "x", Operation: "upsert"})
	assert.ErrorIs(t, err, schema.ErrSchemaInvalid)
}

// Random interleavings of local edits and sync outcomes never leave more
// than one pending and one in-flight entry per entity, and Drain never hands
// out an entity twice.
func TestJournalInvariants_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		eng, err := engine.OpenBadgerInMemory()
		if err != nil {
			t.Fatalf("OpenBadgerInMemory: %v", err)
		}
		defer eng.Close()
		j := New(eng)
		ids := []string{"a", "b", "c"}
		var inflight []Entry

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "action") {
			case 0:
				id := rapid.SampledFrom(ids).Draw(t, "id")
				op := rapid.SampledFrom([]schema.Operation{schema.OpCreate, schema.OpUpdate, schema.OpDelete}).Draw(t, "op")
				if _, err := j.Append(ctx, noteEntry(id, op, "t", 1)); err != nil {
					t.Fatalf("Append: %v", err)
				}
				if op == schema.OpDelete {
					assertPendingOp(t, j, id, schema.OpDelete)
				}
			case 1:
				drained, err := j.Drain(ctx, rapid.IntRange(0, 3).Draw(t, "max"))
				if err != nil {
					t.Fatalf("Drain: %v", err)
				}
				seen := map[string]bool{}
				for _, e := range drained {
					if seen[e.EntityID] {
						t.Fatalf("Drain returned entity %s twice", e.EntityID)
					}
					seen[e.EntityID] = true
				}
				inflight = append(inflight, drained...)
			case 2:
				if len(inflight) == 0 {
					continue
				}
				k := rapid.IntRange(0, len(inflight)-1).Draw(t, "ack")
				if err := j.Acknowledge(ctx, inflight[k].ID); err != nil {
					t.Fatalf("Acknowledge: %v", err)
				}
				inflight = append(inflight[:k], inflight[k+1:]...)
			case 3:
				if len(inflight) == 0 {
					continue
				}
				k := rapid.IntRange(0, len(inflight)-1).Draw(t, "release")
				if err := j.Release(ctx, inflight[k].ID, errors.New("timeout")); err != nil {
					t.Fatalf("Release: %v", err)
				}
				inflight = append(inflight[:k], inflight[k+1:]...)
			}

			entries, err := j.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			pending := map[string]int{}
			flying := map[string]int{}
			for _, e := range entries {
				if e.InFlight {
					flying[e.EntityID]++
				} else {
					pending[e.EntityID]++
				}
			}
			for _, id := range ids {
				if pending[id] > 1 {
					t.Fatalf("entity %s has %d pending entries", id, pending[id])
				}
				if flying[id] > 1 {
					t.Fatalf("entity %s has %d in-flight entries", id, flying[id])
				}
			}
		}
	})
}

func assertPendingOp(t *rapid.T, j *Journal, id string, want schema.Operation) {
	entries, err := j.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range entries {
		if e.EntityID == id && !e.InFlight {
			if e.Operation != want {
				t.Fatalf("pending op for %s = %s, want %s", id, e.Operation, want)
			}
			return
		}
	}
	t.Fatalf("no pending entry for %s", id)
}
