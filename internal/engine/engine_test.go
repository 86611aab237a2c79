package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]Engine {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	mem, err := OpenBadgerInMemory()
	require.NoError(t, err)
	disk, err := OpenBadger(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)

	all := map[string]Engine{"sqlite": sqlite, "badger-memory": mem, "badger-disk": disk}
	t.Cleanup(func() {
		for _, e := range all {
			_ = e.Close()
		}
	})
	return all
}

func TestEngine_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, eng.Update(ctx, func(tx Tx) error {
				return tx.Set([]byte("note/1"), []byte(`{"title":"a"}`))
			}))

			require.NoError(t, eng.View(ctx, func(tx Tx) error {
				v, err := tx.Get([]byte("note/1"))
				require.NoError(t, err)
				assert.Equal(t, `{"title":"a"}`, string(v))
				return nil
			}))

			require.NoError(t, eng.Update(ctx, func(tx Tx) error {
				return tx.Delete([]byte("note/1"))
			}))

			err := eng.View(ctx, func(tx Tx) error {
				_, err := tx.Get([]byte("note/1"))
				return err
			})
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestEngine_ScanPrefixOrdered(t *testing.T) {
	ctx := context.Background()
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, eng.Update(ctx, func(tx Tx) error {
				for _, k := range []string{"j/003", "j/001", "k/000", "j/002", "i/999"} {
					if err := tx.Set([]byte(k), []byte(k)); err != nil {
						return err
					}
				}
				return nil
			}))

			var keys []string
			require.NoError(t, eng.View(ctx, func(tx Tx) error {
				return tx.Scan([]byte("j/"), func(key, value []byte) error {
					keys = append(keys, string(key))
					return nil
				})
			}))
			assert.Equal(t, []string{"j/001", "j/002", "j/003"}, keys)
		})
	}
}

func TestEngine_ScanAllowsWrites(t *testing.T) {
	ctx := context.Background()
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, eng.Update(ctx, func(tx Tx) error {
				for _, k := range []string{"p/a", "p/b"} {
					if err := tx.Set([]byte(k), nil); err != nil {
						return err
					}
				}
				return tx.Scan([]byte("p/"), func(key, _ []byte) error {
					return tx.Delete(key)
				})
			}))

			count := 0
			require.NoError(t, eng.View(ctx, func(tx Tx) error {
				return tx.Scan([]byte("p/"), func(_, _ []byte) error {
					count++
					return nil
				})
			}))
			assert.Zero(t, count)
		})
	}
}

func TestEngine_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			err := eng.Update(ctx, func(tx Tx) error {
				if err := tx.Set([]byte("x"), []byte("1")); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			err = eng.View(ctx, func(tx Tx) error {
				_, err := tx.Get([]byte("x"))
				return err
			})
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open("leveldb", t.TempDir())
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("j0"), prefixEnd([]byte("j/")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte{'a', 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
