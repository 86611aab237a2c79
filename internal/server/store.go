package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/tasklytic/tasklytic/internal/db"
	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/schema"
)

const serverSchema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS members (
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (workspace_id, user_id)
);

CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	emoji TEXT NOT NULL DEFAULT '',
	favorite INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	id TEXT PRIMARY KEY,
	note_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	ord REAL NOT NULL,
	content BLOB,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS last_changes (
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	entry_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_notes_workspace_seq ON notes(workspace_id, seq);
CREATE INDEX IF NOT EXISTS idx_blocks_workspace_seq ON blocks(workspace_id, seq);
CREATE INDEX IF NOT EXISTS idx_blocks_note ON blocks(note_id);
`

// Store is the server's authoritative relational store.
type Store struct {
	db *db.DB
}

// OpenStore opens (creating if needed) the server database at path.
func OpenStore(path string) (*Store, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(context.Background(), serverSchema); err != nil {
		_ = database.Close()
		return nil, err
	}
	return &Store{db: database}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// applied describes an accepted change, for notifying subscribers.
type applied struct {
	noteID string
	seq    int64
}

// Apply applies one change inside its own transaction. Validation,
// permission and version failures are reported in the Result; a returned
// error means the storage layer failed.
func (s *Store) Apply(ctx context.Context, scope protocol.Scope, ch protocol.Change) (protocol.Result, *applied, error) {
	var (
		res  protocol.Result
		info *applied
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, info, err = applyTx(ctx, tx, scope, ch)
		return err
	})
	if err != nil {
		return protocol.Result{}, nil, err
	}
	return res, info, nil
}

func applyTx(ctx context.Context, tx *sql.Tx, scope protocol.Scope, ch protocol.Change) (protocol.Result, *applied, error) {
	reject := func(format string, args ...any) (protocol.Result, *applied, error) {
		return protocol.Rejected(ch.EntryID, fmt.Sprintf(format, args...)), nil, nil
	}

	if err := ensureMember(ctx, tx, scope); err != nil {
		if errors.Is(err, protocol.ErrPermissionDenied) {
			return reject("%v", err)
		}
		return protocol.Result{}, nil, err
	}

	if !ch.Operation.Valid() {
		return reject("unknown operation %q", ch.Operation)
	}
	ent, err := ch.Payload.Decode()
	if err != nil {
		return reject("%v", err)
	}
	if schema.KeyOf(ent) != ch.Key() {
		return reject("%v: payload is %s, change is for %s", schema.ErrSchemaInvalid, schema.KeyOf(ent), ch.Key())
	}
	if err := ent.Validate(); err != nil {
		return reject("%v", err)
	}
	m := ent.Header()
	if m.WorkspaceID != scope.WorkspaceID {
		return reject("%v: %s belongs to workspace %q", protocol.ErrPermissionDenied, ch.Key(), m.WorkspaceID)
	}

	current, err := loadTx(ctx, tx, ch.Key())
	if err != nil {
		return protocol.Result{}, nil, err
	}
	if current != nil && current.Header().WorkspaceID != scope.WorkspaceID {
		return reject("%v: %s belongs to another workspace", protocol.ErrPermissionDenied, ch.Key())
	}

	if current != nil && ch.EntryID != "" {
		last, version, err := lastChangeTx(ctx, tx, ch.Key())
		if err != nil {
			return protocol.Result{}, nil, err
		}
		// A retry of the change that produced the current version: the
		// client never saw that ack, so its base is stale only by our own write.
		if last == ch.EntryID && version == current.Header().Version && ch.BaseVersion < version {
			ch.BaseVersion = version
			if ch.Operation == schema.OpCreate && !current.Header().Deleted {
				ch.Operation = schema.OpUpdate
			}
		}
	}

	conflict := func() (protocol.Result, *applied, error) {
		env, err := schema.Encode(current)
		if err != nil {
			return protocol.Result{}, nil, err
		}
		return protocol.Conflict(ch.EntryID, env), nil, nil
	}

	var next int64
	switch ch.Operation {
	case schema.OpCreate:
		switch {
		case current == nil && ch.BaseVersion == 0:
			next = 1
		case current == nil:
			return reject("%s not found", ch.Key())
		case current.Header().Deleted && ch.BaseVersion == current.Header().Version:
			next = current.Header().Version + 1
		default:
			return conflict()
		}
		m.Deleted = false

	case schema.OpUpdate:
		if current == nil {
			return reject("%s not found", ch.Key())
		}
		if ch.BaseVersion != current.Header().Version {
			return conflict()
		}
		next = current.Header().Version + 1
		m.Deleted = false

	case schema.OpDelete:
		switch {
		case current == nil && ch.BaseVersion == 0:
			// The create this delete follows never arrived.
			return protocol.Accepted(ch.EntryID, 0), nil, nil
		case current == nil:
			return reject("%s not found", ch.Key())
		}
		if ch.BaseVersion != current.Header().Version {
			return conflict()
		}
		if current.Header().Deleted {
			return protocol.Accepted(ch.EntryID, current.Header().Version), nil, nil
		}
		// The stored copy is what gets tombstoned, not the payload.
		ent = current
		m = ent.Header()
		next = m.Version + 1
		m.Deleted = true
	}

	seq, err := nextSeq(ctx, tx, scope.WorkspaceID)
	if err != nil {
		return protocol.Result{}, nil, err
	}
	m.Version = next
	m.BaseVersion = 0
	if current != nil && current.Header().UpdatedAt >= m.UpdatedAt {
		m.UpdatedAt = current.Header().UpdatedAt + 1
	}
	if err := saveTx(ctx, tx, ent, seq); err != nil {
		return protocol.Result{}, nil, err
	}
	if err := recordChangeTx(ctx, tx, ch.Key(), ch.EntryID, next); err != nil {
		return protocol.Result{}, nil, err
	}

	noteID := ent.Header().ID
	if b, ok := ent.(*schema.Block); ok {
		noteID = b.NoteID
	}
	if n, ok := ent.(*schema.Note); ok && n.Deleted {
		if err := cascadeTx(ctx, tx, n.WorkspaceID, n.ID); err != nil {
			return protocol.Result{}, nil, err
		}
	}

	return protocol.Accepted(ch.EntryID, next), &applied{noteID: noteID, seq: seq}, nil
}

// ensureMember admits the first user of a workspace as its member and
// refuses everyone else who is not one.
func ensureMember(ctx context.Context, tx *sql.Tx, scope protocol.Scope) error {
	var members, self int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(user_id = ?), 0) FROM members WHERE workspace_id = ?
	`, scope.UserID, scope.WorkspaceID).Scan(&members, &self)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if self > 0 {
		return nil
	}
	if members > 0 {
		return fmt.Errorf("%w: user %q is not a member of workspace %q",
			protocol.ErrPermissionDenied, scope.UserID, scope.WorkspaceID)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO members (workspace_id, user_id) VALUES (?, ?)`,
		scope.WorkspaceID, scope.UserID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// AddMember grants userID access to workspaceID.
func (s *Store) AddMember(ctx context.Context, workspaceID, userID string) error {
	_, err := s.db.RawDB().ExecContext(ctx, `
		INSERT INTO members (workspace_id, user_id) VALUES (?, ?)
		ON CONFLICT(workspace_id, user_id) DO NOTHING
	`, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, workspaceID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, seq) VALUES (?, 1)
		ON CONFLICT(id) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`, workspaceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance workspace sequence: %w", err)
	}
	return seq, nil
}

func cascadeTx(ctx context.Context, tx *sql.Tx, workspaceID, noteID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM blocks WHERE note_id = ? AND deleted = 0`, noteID)
	if err != nil {
		return fmt.Errorf("failed to list blocks of %s: %w", noteID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan block id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// Each tombstone takes its own sequence number.
	for _, id := range ids {
		seq, err := nextSeq(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE blocks SET deleted = 1, version = version + 1, seq = ? WHERE id = ?
		`, seq, id)
		if err != nil {
			return fmt.Errorf("failed to cascade delete to block %s: %w", id, err)
		}
	}
	return nil
}

// lastChangeTx returns the entry id and resulting version of the last change
// applied to k.
func lastChangeTx(ctx context.Context, tx *sql.Tx, k schema.Key) (string, int64, error) {
	var (
		entryID string
		version int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT entry_id, version FROM last_changes WHERE entity_type = ? AND entity_id = ?
	`, string(k.Type), k.ID).Scan(&entryID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to load last change of %s: %w", k, err)
	}
	return entryID, version, nil
}

func recordChangeTx(ctx context.Context, tx *sql.Tx, k schema.Key, entryID string, version int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO last_changes (entity_type, entity_id, entry_id, version) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			entry_id = excluded.entry_id,
			version = excluded.version
	`, string(k.Type), k.ID, entryID, version)
	if err != nil {
		return fmt.Errorf("failed to record change of %s: %w", k, err)
	}
	return nil
}

func saveTx(ctx context.Context, tx *sql.Tx, ent schema.Entity, seq int64) error {
	switch e := ent.(type) {
	case *schema.Note:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notes (id, workspace_id, owner_id, title, emoji, favorite, version, updated_at, deleted, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id = excluded.owner_id,
				title = excluded.title,
				emoji = excluded.emoji,
				favorite = excluded.favorite,
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted = excluded.deleted,
				seq = excluded.seq
		`, e.ID, e.WorkspaceID, e.OwnerID, e.Title, e.Emoji, e.Favorite, e.Version, e.UpdatedAt, e.Deleted, seq)
		if err != nil {
			return fmt.Errorf("failed to save note: %w", err)
		}
	case *schema.Block:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (id, note_id, workspace_id, ord, content, version, updated_at, deleted, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				note_id = excluded.note_id,
				ord = excluded.ord,
				content = excluded.content,
				version = excluded.version,
				updated_at = excluded.updated_at,
				deleted = excluded.deleted,
				seq = excluded.seq
		`, e.ID, e.NoteID, e.WorkspaceID, e.Order, []byte(e.Content), e.Version, e.UpdatedAt, e.Deleted, seq)
		if err != nil {
			return fmt.Errorf("failed to save block: %w", err)
		}
	default:
		return fmt.Errorf("%w: cannot store %T", schema.ErrSchemaInvalid, ent)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	noteColumns  = `id, workspace_id, owner_id, title, emoji, favorite, version, updated_at, deleted, seq`
	blockColumns = `id, note_id, workspace_id, ord, content, version, updated_at, deleted, seq`
)

type sequenced struct {
	entity schema.Entity
	seq    int64
}

func loadTx(ctx context.Context, q queryer, k schema.Key) (schema.Entity, error) {
	var (
		rows []sequenced
		err  error
	)
	switch k.Type {
	case schema.TypeNote:
		rows, err = queryNotes(ctx, q, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, k.ID)
	case schema.TypeBlock:
		rows, err = queryBlocks(ctx, q, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, k.ID)
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", schema.ErrSchemaInvalid, k.Type)
	}
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0].entity, nil
}

// Get returns the server copy of an entity, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, k schema.Key) (schema.Entity, error) {
	return loadTx(ctx, s.db.RawDB(), k)
}

// Changes returns up to limit entities of the workspace with a sequence
// above since, in sequence order, and whether more remain.
func (s *Store) Changes(ctx context.Context, workspaceID string, since int64, limit int) ([]schema.Entity, int64, bool, error) {
	notes, err := queryNotes(ctx, s.db.RawDB(),
		`SELECT `+noteColumns+` FROM notes WHERE workspace_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		workspaceID, since, limit+1)
	if err != nil {
		return nil, 0, false, err
	}
	blocks, err := queryBlocks(ctx, s.db.RawDB(),
		`SELECT `+blockColumns+` FROM blocks WHERE workspace_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		workspaceID, since, limit+1)
	if err != nil {
		return nil, 0, false, err
	}

	all := append(notes, blocks...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	more := len(all) > limit
	if more {
		all = all[:limit]
	}

	cursor := since
	out := make([]schema.Entity, 0, len(all))
	for _, r := range all {
		out = append(out, r.entity)
		cursor = r.seq
	}
	return out, cursor, more, nil
}

// Authorize checks that scope is complete and its user may read the
// workspace. It can serve as a realtime.Authorizer.
func (s *Store) Authorize(ctx context.Context, scope protocol.Scope) error {
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrPermissionDenied, err)
	}
	return s.CheckMember(ctx, scope)
}

// CheckMember returns ErrPermissionDenied if the user may not read the
// workspace. Unknown workspaces are readable (and empty).
func (s *Store) CheckMember(ctx context.Context, scope protocol.Scope) error {
	var members, self int
	err := s.db.RawDB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(user_id = ?), 0) FROM members WHERE workspace_id = ?
	`, scope.UserID, scope.WorkspaceID).Scan(&members, &self)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if members > 0 && self == 0 {
		return fmt.Errorf("%w: user %q is not a member of workspace %q",
			protocol.ErrPermissionDenied, scope.UserID, scope.WorkspaceID)
	}
	return nil
}

func queryNotes(ctx context.Context, q queryer, query string, args ...any) ([]sequenced, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var out []sequenced
	for rows.Next() {
		n := &schema.Note{}
		var seq int64
		if err := rows.Scan(&n.ID, &n.WorkspaceID, &n.OwnerID, &n.Title, &n.Emoji, &n.Favorite,
			&n.Version, &n.UpdatedAt, &n.Deleted, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		out = append(out, sequenced{entity: n, seq: seq})
	}
	return out, rows.Err()
}

func queryBlocks(ctx context.Context, q queryer, query string, args ...any) ([]sequenced, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var out []sequenced
	for rows.Next() {
		b := &schema.Block{}
		var (
			seq     int64
			content []byte
		)
		if err := rows.Scan(&b.ID, &b.NoteID, &b.WorkspaceID, &b.Order, &content,
			&b.Version, &b.UpdatedAt, &b.Deleted, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		if len(content) > 0 {
			b.Content = content
		}
		out = append(out, sequenced{entity: b, seq: seq})
	}
	return out, rows.Err()
}
