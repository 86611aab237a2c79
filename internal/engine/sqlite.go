package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tasklytic/tasklytic/internal/db"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
`

// SQLite is an Engine backed by a kv table in a SQLite database.
type SQLite struct {
	db *db.DB
}

// OpenSQLite opens (creating if needed) the SQLite engine at path.
func OpenSQLite(path string) (*SQLite, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(context.Background(), sqliteSchema); err != nil {
		_ = database.Close()
		return nil, err
	}
	return &SQLite{db: database}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.db.Path()
}

func (s *SQLite) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.RawDB().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqliteTx{ctx: ctx, tx: tx})
}

func (s *SQLite) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteTx{ctx: ctx, tx: tx})
	})
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(key []byte) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func (t *sqliteTx) Set(key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(key []byte) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) Scan(prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = t.tx.QueryContext(t.ctx,
			`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, end)
	} else {
		rows, err = t.tx.QueryContext(t.ctx,
			`SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	}
	if err != nil {
		return fmt.Errorf("failed to scan %q: %w", prefix, err)
	}

	var pairs []kv
	for rows.Next() {
		var p kv
		if err := rows.Scan(&p.key, &p.value); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to read row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	_ = rows.Close()

	return scanAll(pairs, fn)
}
