package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// conflictRetries bounds how often an Update is retried after badger reports
// a write conflict with a concurrent transaction.
const conflictRetries = 5

// Badger is an Engine backed by a badger key/value store.
type Badger struct {
	kv *badger.DB
}

// OpenBadger opens (creating if needed) a badger store in directory path.
func OpenBadger(path string) (*Badger, error) {
	return openBadger(badger.DefaultOptions(path))
}

// OpenBadgerInMemory opens a badger store that lives only in memory.
func OpenBadgerInMemory() (*Badger, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*Badger, error) {
	kv, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &Badger{kv: kv}, nil
}

func (b *Badger) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.kv.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (b *Badger) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = b.kv.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *Badger) Close() error {
	if err := b.kv.Close(); err != nil {
		return fmt.Errorf("failed to close badger store: %w", err)
	}
	return nil
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTx) Set(key, value []byte) error {
	if err := t.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...)); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

func (t *badgerTx) Delete(key []byte) error {
	if err := t.txn.Delete(append([]byte(nil), key...)); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (t *badgerTx) Scan(prefix []byte, fn func(key, value []byte) error) error {
	var pairs []kv

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return fmt.Errorf("failed to read %q: %w", item.Key(), err)
		}
		pairs = append(pairs, kv{key: item.KeyCopy(nil), value: value})
	}
	it.Close()

	return scanAll(pairs, fn)
}
