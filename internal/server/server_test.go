package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/schema"
)

var alice = protocol.Scope{UserID: "alice", WorkspaceID: "ws1", ClientID: "a1"}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func note(id, title string) *schema.Note {
	return &schema.Note{
		Meta:    schema.Meta{ID: id, WorkspaceID: "ws1", UpdatedAt: 1},
		OwnerID: "alice",
		Title:   title,
	}
}

func block(id, noteID string, order float64) *schema.Block {
	return &schema.Block{
		Meta:    schema.Meta{ID: id, WorkspaceID: "ws1", UpdatedAt: 1},
		NoteID:  noteID,
		Order:   order,
		Content: json.RawMessage(`{"text":"hello"}`),
	}
}

func change(t *testing.T, op schema.Operation, e schema.Entity, base int64) protocol.Change {
	t.Helper()
	env, err := schema.Encode(e)
	require.NoError(t, err)
	k := schema.KeyOf(e)
	return protocol.Change{
		EntryID:     string(op) + "-" + k.ID,
		EntityType:  k.Type,
		EntityID:    k.ID,
		Operation:   op,
		Payload:     env,
		BaseVersion: base,
	}
}

func pushOne(t *testing.T, svc *Service, scope protocol.Scope, ch protocol.Change) protocol.Result {
	t.Helper()
	results, err := svc.Push(context.Background(), scope, []protocol.Change{ch})
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestPushVersioning(t *testing.T) {
	svc := NewService(newTestStore(t), nil, nil)

	res := pushOne(t, svc, alice, change(t, schema.OpCreate, note("n1", "draft"), 0))
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 1, res.NewVersion)

	res = pushOne(t, svc, alice, change(t, schema.OpUpdate, note("n1", "second"), 1))
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 2, res.NewVersion)

	// Stale base: conflict carrying the current server copy.
	res = pushOne(t, svc, alice, change(t, schema.OpUpdate, note("n1", "stale"), 1))
	require.Equal(t, protocol.StatusConflict, res.Status)
	require.NotNil(t, res.Server)
	server, err := res.Server.Decode()
	require.NoError(t, err)
	assert.Equal(t, "second", server.(*schema.Note).Title)
	assert.EqualValues(t, 2, server.Header().Version)

	// Create of something that exists.
	res = pushOne(t, svc, alice, change(t, schema.OpCreate, note("n1", "again"), 0))
	assert.Equal(t, protocol.StatusConflict, res.Status)
}

func TestPushRejections(t *testing.T) {
	svc := NewService(newTestStore(t), nil, nil)

	res := pushOne(t, svc, alice, change(t, schema.OpUpdate, note("ghost", "x"), 3))
	assert.Equal(t, protocol.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "not found")

	res = pushOne(t, svc, alice, change(t, schema.OpDelete, note("ghost", "x"), 3))
	assert.Equal(t, protocol.StatusRejected, res.Status)

	foreign := note("n2", "elsewhere")
	foreign.WorkspaceID = "ws2"
	res = pushOne(t, svc, alice, change(t, schema.OpCreate, foreign, 0))
	assert.Equal(t, protocol.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "permission denied")

	invalid := note("n3", "no owner")
	invalid.OwnerID = ""
	res = pushOne(t, svc, alice, change(t, schema.OpCreate, invalid, 0))
	assert.Equal(t, protocol.StatusRejected, res.Status)

	mismatched := change(t, schema.OpCreate, note("n4", "x"), 0)
	mismatched.EntityID = "n5"
	res = pushOne(t, svc, alice, mismatched)
	assert.Equal(t, protocol.StatusRejected, res.Status)
}

func TestDeleteOfUnknownEntityWithoutBase(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, nil, nil)

	res := pushOne(t, svc, alice, change(t, schema.OpDelete, note("never", "x"), 0))
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 0, res.NewVersion)

	got, err := st.Get(context.Background(), schema.Key{Type: schema.TypeNote, ID: "never"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetriedChangeAfterLostAck(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, nil, nil)

	created := change(t, schema.OpCreate, note("n1", "draft"), 0)
	res := pushOne(t, svc, alice, created)
	require.Equal(t, protocol.StatusAccepted, res.Status)

	// The client missed the ack and folded a delete into the same entry.
	deleted := change(t, schema.OpDelete, note("n1", "draft"), 0)
	deleted.EntryID = created.EntryID
	res = pushOne(t, svc, alice, deleted)
	require.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 2, res.NewVersion)

	got, err := st.Get(context.Background(), schema.Key{Type: schema.TypeNote, ID: "n1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Header().Deleted)

	// A different entry with the same stale base still conflicts.
	res = pushOne(t, svc, alice, change(t, schema.OpCreate, note("n2", "a"), 0))
	require.Equal(t, protocol.StatusAccepted, res.Status)
	other := change(t, schema.OpUpdate, note("n2", "b"), 0)
	res = pushOne(t, svc, alice, other)
	assert.Equal(t, protocol.StatusConflict, res.Status)
}

func TestDeleteCascadesAndResurrects(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(st, nil, nil)

	pushOne(t, svc, alice, change(t, schema.OpCreate, note("n1", "parent"), 0))
	pushOne(t, svc, alice, change(t, schema.OpCreate, block("b1", "n1", 1), 0))
	pushOne(t, svc, alice, change(t, schema.OpCreate, block("b2", "n1", 2), 0))

	res := pushOne(t, svc, alice, change(t, schema.OpDelete, note("n1", "parent"), 1))
	require.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 2, res.NewVersion)

	for _, id := range []string{"b1", "b2"} {
		b, err := st.Get(ctx, schema.Key{Type: schema.TypeBlock, ID: id})
		require.NoError(t, err)
		assert.True(t, b.Header().Deleted, id)
		assert.EqualValues(t, 2, b.Header().Version, id)
	}

	// Deleting again at the current version is a no-op.
	res = pushOne(t, svc, alice, change(t, schema.OpDelete, note("n1", "parent"), 2))
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 2, res.NewVersion)

	// Recreate over the tombstone at its version.
	res = pushOne(t, svc, alice, change(t, schema.OpCreate, note("n1", "back"), 2))
	require.Equal(t, protocol.StatusAccepted, res.Status)
	assert.EqualValues(t, 3, res.NewVersion)

	n, err := st.Get(ctx, schema.Key{Type: schema.TypeNote, ID: "n1"})
	require.NoError(t, err)
	assert.False(t, n.Header().Deleted)
	assert.Equal(t, "back", n.(*schema.Note).Title)
}

func TestMembership(t *testing.T) {
	svc := NewService(newTestStore(t), nil, nil)
	pushOne(t, svc, alice, change(t, schema.OpCreate, note("n1", "mine"), 0))

	mallory := protocol.Scope{UserID: "mallory", WorkspaceID: "ws1"}
	_, err := svc.Push(context.Background(), mallory, []protocol.Change{change(t, schema.OpUpdate, note("n1", "yours"), 1)})
	assert.ErrorIs(t, err, protocol.ErrPermissionDenied)

	_, err = svc.Pull(context.Background(), mallory, 0, 10)
	assert.ErrorIs(t, err, protocol.ErrPermissionDenied)

	_, err = svc.Pull(context.Background(), protocol.Scope{WorkspaceID: "ws1"}, 0, 10)
	assert.ErrorIs(t, err, protocol.ErrPermissionDenied)
}

func TestPullPages(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newTestStore(t), nil, nil)

	pushOne(t, svc, alice, change(t, schema.OpCreate, note("n1", "one"), 0))
	pushOne(t, svc, alice, change(t, schema.OpCreate, block("b1", "n1", 1), 0))
	pushOne(t, svc, alice, change(t, schema.OpCreate, note("n2", "two"), 0))

	page, err := svc.Pull(ctx, alice, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Entities, 2)
	assert.True(t, page.HasMore)
	assert.EqualValues(t, 2, page.Cursor)
	assert.Equal(t, schema.TypeNote, page.Entities[0].Type)
	assert.Equal(t, schema.TypeBlock, page.Entities[1].Type)

	page, err = svc.Pull(ctx, alice, page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	assert.False(t, page.HasMore)
	assert.EqualValues(t, 3, page.Cursor)

	// Updates move an entity to the end of the sequence.
	pushOne(t, svc, alice, change(t, schema.OpUpdate, note("n1", "one again"), 1))
	page, err = svc.Pull(ctx, alice, 3, 10)
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	ent, err := page.Entities[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "one again", ent.(*schema.Note).Title)

	// An empty workspace pulls nothing.
	page, err = svc.Pull(ctx, protocol.Scope{UserID: "bob", WorkspaceID: "ws9"}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entities)
	assert.EqualValues(t, 0, page.Cursor)
}

func TestPushPublishesPerNote(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(newTestStore(t), pub, nil)

	_, err := svc.Push(context.Background(), alice, []protocol.Change{
		change(t, schema.OpCreate, note("n1", "one"), 0),
		change(t, schema.OpCreate, block("b1", "n1", 1), 0),
		change(t, schema.OpUpdate, note("ghost", "x"), 1),
	})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, protocol.EventChanged, ev.Type)
	assert.Equal(t, protocol.NoteChannel("ws1", "n1"), ev.Channel)
	assert.Equal(t, "a1", ev.Origin)
	assert.EqualValues(t, 2, ev.Seq)
}

func TestHTTPPushPull(t *testing.T) {
	srv := New(newTestStore(t), nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body, err := json.Marshal(protocol.PushRequest{Changes: []protocol.Change{
		change(t, schema.OpCreate, note("n1", "over http"), 0),
	}})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/push", bytes.NewReader(body))
	require.NoError(t, err)
	alice.SetHeaders(req.Header)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushed protocol.PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushed))
	require.Len(t, pushed.Results, 1)
	assert.Equal(t, protocol.StatusAccepted, pushed.Results[0].Status)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/pull?since=0&limit=10", nil)
	require.NoError(t, err)
	alice.SetHeaders(req.Header)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var pulled protocol.PullResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&pulled))
	assert.Len(t, pulled.Entities, 1)
	assert.EqualValues(t, 1, pulled.Cursor)
}

func TestHTTPErrors(t *testing.T) {
	srv := New(newTestStore(t), nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/pull")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/pull?since=abc", nil)
	require.NoError(t, err)
	alice.SetHeaders(req.Header)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var body protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.CodeInvalid, body.Code)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
