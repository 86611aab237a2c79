package resolve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tasklytic/tasklytic/internal/schema"
)

func note(version, base int64, title string, deleted bool) *schema.Note {
	return &schema.Note{
		Meta:    schema.Meta{ID: "n1", WorkspaceID: "ws", Version: version, BaseVersion: base, Deleted: deleted},
		OwnerID: "u1",
		Title:   title,
	}
}

func block(version, base int64, order float64, text string) *schema.Block {
	content, _ := json.Marshal(map[string]string{"text": text})
	return &schema.Block{
		Meta:    schema.Meta{ID: "b1", WorkspaceID: "ws", Version: version, BaseVersion: base},
		NoteID:  "n1",
		Order:   order,
		Content: content,
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		local       schema.Entity
		server      schema.Entity
		want        Outcome
		wantRequeue bool
		wantDiscard bool
	}{
		{
			name:        "server version higher wins outright",
			local:       note(4, 3, "mine", false),
			server:      note(6, 6, "theirs", false),
			want:        ServerWins,
			wantDiscard: true,
		},
		{
			name:        "local version higher is replayed",
			local:       note(7, 3, "mine", false),
			server:      note(5, 5, "theirs", false),
			want:        LocalWins,
			wantRequeue: true,
		},
		{
			name:        "tie with different text requeues the local edit",
			local:       note(4, 3, "B", false),
			server:      note(4, 4, "A", false),
			want:        Merged,
			wantRequeue: true,
		},
		{
			name:   "tie with equal content converges",
			local:  note(4, 3, "same", false),
			server: note(4, 4, "same", false),
			want:   Converged,
		},
		{
			name:        "local delete based on stale version loses to update",
			local:       note(4, 3, "x", true),
			server:      note(5, 5, "edited", false),
			want:        UpdateReplayed,
			wantDiscard: true,
		},
		{
			name:        "server delete beats local update",
			local:       note(4, 3, "edited", false),
			server:      note(5, 5, "x", true),
			want:        DeleteWins,
			wantDiscard: true,
		},
		{
			name:   "both deleted",
			local:  note(4, 3, "x", true),
			server: note(5, 5, "x", true),
			want:   Converged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(tt.local, tt.server)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.wantRequeue, res.Requeue != nil, "requeue")
			assert.Equal(t, tt.wantDiscard, res.Discarded, "discarded")
			assert.Equal(t, tt.server.Header().Version, res.Merged.Header().Version)
		})
	}
}

func TestResolve_BlockOrderKeepsLocalPosition(t *testing.T) {
	local := block(3, 2, 1.5, "local text")
	server := block(3, 3, 4, "server text")

	res, err := Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, Merged, res.Outcome)

	merged := res.Merged.(*schema.Block)
	assert.Equal(t, 1.5, merged.Order, "order reconciled to the local position")
	assert.JSONEq(t, `{"text":"server text"}`, string(merged.Content), "free text falls back to the server")
	require.NotNil(t, res.Requeue, "local text edit is not dropped")
	assert.JSONEq(t, `{"text":"local text"}`, string(res.Requeue.(*schema.Block).Content))
}

func TestResolve_OrderOnlyChangeNeedsNoReplay(t *testing.T) {
	local := block(3, 2, 1.5, "same")
	server := block(3, 3, 4, "same")

	res, err := Resolve(local, server)
	require.NoError(t, err)
	assert.Equal(t, Merged, res.Outcome)
	assert.Nil(t, res.Requeue)
}

func TestResolve_MismatchedEntities(t *testing.T) {
	_, err := Resolve(note(1, 0, "a", false), block(1, 0, 1, "b"))
	assert.ErrorIs(t, err, schema.ErrSchemaInvalid)

	_, err = Resolve(nil, note(1, 0, "a", false))
	assert.ErrorIs(t, err, schema.ErrSchemaInvalid)
}

func TestResolve_DoesNotAliasInputs(t *testing.T) {
	local := block(3, 2, 1, "l")
	server := block(3, 3, 2, "s")

	res, err := Resolve(local, server)
	require.NoError(t, err)
	res.Merged.(*schema.Block).Order = 99
	assert.Equal(t, float64(2), server.Order)
}

// No local change is ever dropped silently: it is requeued, reported as
// discarded, or already equal to what the server holds.
func TestResolveNoSilentLoss_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.Int64Range(0, 10).Draw(t, "base")
		local := note(
			base+rapid.Int64Range(1, 3).Draw(t, "localEdits"),
			base,
			rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "localTitle"),
			rapid.Bool().Draw(t, "localDeleted"),
		)
		serverVersion := rapid.Int64Range(base+1, base+5).Draw(t, "serverVersion")
		server := note(
			serverVersion,
			serverVersion,
			rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "serverTitle"),
			rapid.Bool().Draw(t, "serverDeleted"),
		)

		res, err := Resolve(local, server)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if res.Merged.Header().Version != server.Version {
			t.Fatalf("merged version %d, want server version %d", res.Merged.Header().Version, server.Version)
		}
		if res.Requeue != nil && res.Discarded {
			t.Fatalf("outcome %s both requeues and discards", res.Outcome)
		}
		if res.Requeue == nil && !res.Discarded && !schema.SameContent(local, res.Merged) && !(local.Deleted && server.Deleted) {
			t.Fatalf("outcome %s silently dropped local %+v against server %+v", res.Outcome, local, server)
		}

		again, err := Resolve(local, server)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if again.Outcome != res.Outcome {
			t.Fatalf("Resolve is not deterministic: %s then %s", res.Outcome, again.Outcome)
		}
	})
}
