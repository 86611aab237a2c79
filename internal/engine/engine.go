// Package engine provides the transactional key/value storage the Local Store
// and Change Journal are built on.
//
// Two engines are available:
//
//   - sqlite: a single kv table inside a SQLite file. Several processes may
//     open the same file, so CLI commands can write while a daemon syncs.
//   - badger: a badger/v3 LSM directory. Faster, but locked to one process.
//     An in-memory variant backs most tests.
//
// Keys are compared bytewise; Scan visits keys with a given prefix in
// ascending order.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Tx.Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Tx is a view of the store inside a transaction.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan calls fn for every key with the given prefix, in key order.
	// The matching pairs are read before fn is first called, so fn may
	// modify the store.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// Engine runs transactions against a key/value store.
type Engine interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction, committed when fn
	// returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Kind names an engine implementation.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindBadger Kind = "badger"
)

// Open opens the engine of the given kind at path.
func Open(kind Kind, path string) (Engine, error) {
	switch kind {
	case KindSQLite, "":
		return OpenSQLite(path)
	case KindBadger:
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("unknown storage engine %q (want sqlite or badger)", kind)
	}
}

type kv struct {
	key, value []byte
}

func scanAll(pairs []kv, fn func(key, value []byte) error) error {
	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
