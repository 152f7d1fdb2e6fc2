package state

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/jobspool/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	file, err := NewFileStore(t.TempDir(), true, nil)
	require.NoError(t, err)

	sqlite, err := OpenSQLite(ctx, t.TempDir())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   file,
		"sqlite": sqlite,
		"redis":  NewRedisStore(rdb, "test:"),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStore_PointOperations(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, NamespaceRaw, "missing")
			require.ErrorIs(t, err, model.ErrNotFound)

			require.NoError(t, store.Put(ctx, NamespaceRaw, "a", []byte("one")))
			got, err := store.Get(ctx, NamespaceRaw, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			// namespaces are independent
			_, err = store.Get(ctx, NamespaceJobs, "a")
			require.ErrorIs(t, err, model.ErrNotFound)

			require.NoError(t, store.Put(ctx, NamespaceRaw, "a", []byte("two")))
			got, err = store.Get(ctx, NamespaceRaw, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got)

			require.NoError(t, store.Delete(ctx, NamespaceRaw, "a"))
			require.ErrorIs(t, store.Delete(ctx, NamespaceRaw, "a"), model.ErrNotFound)
		})
	}
}

func TestStore_BinaryKeys(t *testing.T) {
	ctx := context.Background()
	key := string([]byte{0x00, 0xff, 0x10, '<'})
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, NamespaceRaw, key, []byte{0xEF, 0xBB, 0xBF}))
			got, err := store.Get(ctx, NamespaceRaw, key)
			require.NoError(t, err)
			assert.Equal(t, []byte{0xEF, 0xBB, 0xBF}, got)
		})
	}
}

func TestStore_Iterate(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"c", "a", "b"} {
				require.NoError(t, store.Put(ctx, NamespaceJobs, k, []byte("v-"+k)))
			}
			require.NoError(t, store.Put(ctx, NamespaceRefs, "other", []byte("x")))

			seen := map[string]string{}
			err := store.Iterate(ctx, NamespaceJobs, func(key string, value []byte) error {
				seen[key] = string(value)
				// writing from inside the callback must not deadlock
				return store.Put(ctx, NamespaceRefs, "touched-"+key, value)
			})
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"a": "v-a", "b": "v-b", "c": "v-c"}, seen)

			stop := errors.New("stop")
			calls := 0
			err = store.Iterate(ctx, NamespaceJobs, func(string, []byte) error {
				calls++
				return stop
			})
			require.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestStore_UpdateCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, NamespaceAID, "gone", []byte("x")))

			err := store.Update(ctx, func(tx Tx) error {
				if err := tx.Put(ctx, NamespaceRaw, "t1", []byte("raw")); err != nil {
					return err
				}
				got, err := tx.Get(ctx, NamespaceRaw, "t1")
				if err != nil {
					return err
				}
				assert.Equal(t, []byte("raw"), got)
				if err := tx.Delete(ctx, NamespaceAID, "gone"); err != nil {
					return err
				}
				_, err = tx.Get(ctx, NamespaceAID, "gone")
				assert.ErrorIs(t, err, model.ErrNotFound)
				return tx.Put(ctx, NamespaceJobs, "k1", []byte("rec"))
			})
			require.NoError(t, err)

			_, err = store.Get(ctx, NamespaceAID, "gone")
			require.ErrorIs(t, err, model.ErrNotFound)
			got, err := store.Get(ctx, NamespaceJobs, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("rec"), got)
		})
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, NamespaceAID, "keep", []byte("x")))

			err := store.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.Put(ctx, NamespaceRaw, "t1", []byte("raw")))
				require.NoError(t, tx.Delete(ctx, NamespaceAID, "keep"))
				return boom
			})
			require.ErrorIs(t, err, boom)

			_, err = store.Get(ctx, NamespaceRaw, "t1")
			require.ErrorIs(t, err, model.ErrNotFound)
			_, err = store.Get(ctx, NamespaceAID, "keep")
			require.NoError(t, err)
		})
	}
}

func TestStore_UpdateHonoursCancellation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			err := store.Update(ctx, func(tx Tx) error {
				if err := tx.Put(ctx, NamespaceRaw, "t1", []byte("raw")); err != nil {
					return err
				}
				cancel()
				return nil
			})
			require.ErrorIs(t, err, context.Canceled)

			_, err = store.Get(context.Background(), NamespaceRaw, "t1")
			require.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestFileStore_ReplaysLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", []byte("one")))
	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		if err := tx.Put(ctx, NamespaceRaw, "t2", []byte("two")); err != nil {
			return err
		}
		return tx.Delete(ctx, NamespaceRaw, "t1")
	}))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	_, err = reopened.Get(ctx, NamespaceRaw, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)
	got, err := reopened.Get(ctx, NamespaceRaw, "t2")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestFileStore_DiscardsTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", []byte("one")))
	require.NoError(t, store.Close())

	f, err := os.OpenFile(filepath.Join(dir, "spool.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ops":[{"ns":"raw","key":"dDI=","val`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	_, err = reopened.Get(ctx, NamespaceRaw, "t1")
	require.NoError(t, err)
	_, err = reopened.Get(ctx, NamespaceRaw, "t2")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestFileStore_TornTailIsCutBeforeAppending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.jsonl")

	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", []byte("one")))
	require.NoError(t, store.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ops":[{"ns":"raw","key":"dDI=","val`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store, err = NewFileStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t3", []byte("three")))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, NamespaceRaw, "t3")
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), got)
	assert.Equal(t, 2, reopened.Len(NamespaceRaw))
}

func TestFileStore_ReloadsValueLargerThanLineBuffer(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a 65 MiB value")
	}
	ctx := context.Background()
	dir := t.TempDir()

	big := bytes.Repeat([]byte("x"), 65<<20)
	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, "big", big))
	require.NoError(t, store.Put(ctx, NamespaceRaw, "small", []byte("s")))
	require.NoError(t, store.Compact(ctx))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, NamespaceRaw, "big")
	require.NoError(t, err)
	assert.Len(t, got, len(big))
	assert.Equal(t, 2, reopened.Len(NamespaceRaw))
}

func TestFileStore_CompactDropsDeletedBytes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.jsonl")

	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", bytes.Repeat([]byte("m"), 1<<20)))
	require.NoError(t, store.Delete(ctx, NamespaceRaw, "t1"))

	before, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, before.Size(), int64(1<<20))

	require.NoError(t, store.Compact(ctx))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), int64(1024))
}

func TestFileStore_RejectsCorruptMiddle(t *testing.T) {
	dir := t.TempDir()
	content := "{\"ops\":[]}\nnot json\n{\"ops\":[]}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spool.jsonl"), []byte(content), 0o600))

	_, err := NewFileStore(dir, false, nil)
	require.Error(t, err)
}

func TestFileStore_Compact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Put(ctx, NamespaceJobs, "k", []byte{byte(i)}))
	}
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", []byte("raw")))

	before, err := os.Stat(filepath.Join(dir, "spool.jsonl"))
	require.NoError(t, err)
	require.NoError(t, store.Compact(ctx))
	after, err := os.Stat(filepath.Join(dir, "spool.jsonl"))
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	// the log is still writable after compaction
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t2", []byte("more")))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, NamespaceJobs, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{49}, got)
	assert.Equal(t, 1, reopened.Len(NamespaceJobs))
	assert.Equal(t, 2, reopened.Len(NamespaceRaw))
}

func TestFileStore_DryRunDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", []byte("one")))
	require.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, "spool.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestCountingStore_CountsInsideUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewCountingStore(NewMemoryStore())

	require.NoError(t, store.Put(ctx, NamespaceRaw, "t1", []byte("x")))
	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		if _, err := tx.Get(ctx, NamespaceRaw, "t1"); err != nil {
			return err
		}
		return tx.Put(ctx, NamespaceJobs, "k", []byte("y"))
	}))
	require.NoError(t, store.Iterate(ctx, NamespaceJobs, func(string, []byte) error { return nil }))

	assert.Equal(t, Counts{Gets: 1, Puts: 2, Iterates: 1}, store.Counts())
	store.Reset()
	assert.Equal(t, Counts{}, store.Counts())
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "tape"}, nil)
	require.Error(t, err)
}

func TestFileStore_BinaryKeysSurviveReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := string([]byte{0x00, 0xff, 0xfe})

	store, err := NewFileStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, NamespaceRaw, key, []byte("x")))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, false, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, NamespaceRaw, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
