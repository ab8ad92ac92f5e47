// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/testutil"
)

// backends runs test against every Store implementation.
func backends(t *testing.T, test func(t *testing.T, store Store)) {
	t.Helper()
	constructors := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			store, err := NewFileStore(FileConfig{Directory: filepath.Join(t.TempDir(), "queue")})
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "queue.db")})
			require.NoError(t, err)
			return store
		},
	}
	for name, constructor := range constructors {
		t.Run(name, func(t *testing.T) {
			store := constructor(t)
			t.Cleanup(func() { store.Close() })
			test(t, store)
		})
	}
}

func TestStoreWriteReadRemove(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := Key{Prefix: PrefixRequest, ID: 100}

		_, found := store.Read(ctx, key)
		assert.False(t, found, "missing record reads as absent")

		require.NoError(t, store.Write(ctx, key, []byte("first")))
		data, found := store.Read(ctx, key)
		require.True(t, found)
		assert.Equal(t, []byte("first"), data)

		require.NoError(t, store.Write(ctx, key, []byte("second")))
		data, _ = store.Read(ctx, key)
		assert.Equal(t, []byte("second"), data, "Write replaces")

		require.NoError(t, store.Remove(ctx, key))
		require.NoError(t, store.Remove(ctx, key), "second Remove is a no-op")
		_, found = store.Read(ctx, key)
		assert.False(t, found)
	})
}

func TestStoreLoadClassifiesFailures(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := Key{Prefix: PrefixRequest, ID: 7}

		_, err := store.Load(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsPermanent(err))

		require.NoError(t, store.Write(ctx, key, []byte("payload")))
		data, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := store.Load(cancelled, key); err != nil {
			assert.False(t, IsPermanent(err), "a cancelled read is not a record error: %v", err)
		}
	})
}

func TestStoreSealedRecordsAreNotPermanentFailures(t *testing.T) {
	ctx := context.Background()
	payload := []byte("events=%5B%5D")

	openers := map[string]func(t *testing.T, path string, codec *Codec) Store{
		"file": func(t *testing.T, path string, codec *Codec) Store {
			store, err := NewFileStore(FileConfig{Directory: path, Codec: codec})
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T, path string, codec *Codec) Store {
			store, err := NewSQLiteStore(SQLiteConfig{Path: path + ".db", Codec: codec})
			require.NoError(t, err)
			return store
		},
	}
	for name, open := range openers {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "queue")
			writer := open(t, path, testCodec(t, false))
			key, err := writer.Insert(ctx, PrefixRequest, 1, payload)
			require.NoError(t, err)
			require.NoError(t, writer.Close())

			reader := open(t, path, NewCodec(CodecOptions{}))
			defer reader.Close()
			_, err = reader.Load(ctx, key)
			assert.ErrorIs(t, err, ErrSealed)
			assert.False(t, IsPermanent(err))
			_, found := reader.Read(ctx, key)
			assert.False(t, found)
		})
	}
}

func TestStoreListOrderAndLimits(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, id := range []int64{30, 10, 50, 20, 40} {
			require.NoError(t, store.Write(ctx, Key{Prefix: PrefixRequest, ID: id}, []byte("r")))
		}
		require.NoError(t, store.Write(ctx, Key{Prefix: PrefixCrash, ID: 5}, []byte("c")))

		all, err := store.List(ctx, PrefixRequest, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 20, 30, 40, 50}, all)

		oldest, err := store.List(ctx, PrefixRequest, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 20}, oldest)

		newest, err := store.List(ctx, PrefixRequest, -2)
		require.NoError(t, err)
		assert.Equal(t, []int64{50, 40}, newest)

		crashes, err := store.List(ctx, PrefixCrash, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{5}, crashes, "prefixes partition the record space")

		empty, err := store.List(ctx, PrefixDID, 1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStoreInsertBumpsCollidingIDs(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		first, err := store.Insert(ctx, PrefixRequest, 7, []byte("a"))
		require.NoError(t, err)
		second, err := store.Insert(ctx, PrefixRequest, 7, []byte("b"))
		require.NoError(t, err)

		assert.Equal(t, Key{Prefix: PrefixRequest, ID: 7}, first)
		assert.Equal(t, Key{Prefix: PrefixRequest, ID: 8}, second)

		data, _ := store.Read(ctx, first)
		assert.Equal(t, []byte("a"), data, "Insert never overwrites")
	})
}

func TestStoreConcurrentInsertsStayUnique(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const writers = 6
		var waitGroup sync.WaitGroup
		errs := make(chan error, writers)
		for writer := range writers {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				_, err := store.Insert(ctx, PrefixRequest, 1000, []byte(fmt.Sprint(writer)))
				errs <- err
			}()
		}
		waitGroup.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		ids, err := store.List(ctx, PrefixRequest, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004, 1005}, ids)
	})
}

func TestStorePurge(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Write(ctx, Key{Prefix: PrefixRequest, ID: 1}, []byte("r")))
		require.NoError(t, store.Write(ctx, Key{Prefix: PrefixRequest, ID: 2}, []byte("r")))
		require.NoError(t, store.Write(ctx, Key{Prefix: PrefixDID, ID: 0}, []byte("d")))

		require.NoError(t, store.Purge(ctx, PrefixRequest))

		requests, err := store.List(ctx, PrefixRequest, 0)
		require.NoError(t, err)
		assert.Empty(t, requests)
		dids, err := store.List(ctx, PrefixDID, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{0}, dids)
	})
}

func TestStoreNotifiesOnWrite(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		select {
		case <-store.Notify():
			t.Fatal("notified before any write")
		default:
		}

		_, err := store.Insert(ctx, PrefixRequest, 1, []byte("r"))
		require.NoError(t, err)
		require.NoError(t, store.Write(ctx, Key{Prefix: PrefixRequest, ID: 2}, []byte("r")))

		testutil.RequireClosed(t, store.Notify(), 5*time.Second, "write signal")
		select {
		case <-store.Notify():
			t.Fatal("signals coalesce into one pending wake-up")
		default:
		}
	})
}

func TestStoreCompressedAndEncryptedRecords(t *testing.T) {
	codec := testCodec(t, true)
	ctx := context.Background()
	payload := []byte(fmt.Sprintf("%0512d", 7))

	stores := map[string]Store{}
	fileStore, err := NewFileStore(FileConfig{Directory: filepath.Join(t.TempDir(), "queue"), Codec: codec})
	require.NoError(t, err)
	stores["file"] = fileStore
	sqliteStore, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "queue.db"), Codec: codec})
	require.NoError(t, err)
	stores["sqlite"] = sqliteStore

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			key, err := store.Insert(ctx, PrefixRequest, 1, payload)
			require.NoError(t, err)
			data, found := store.Read(ctx, key)
			require.True(t, found)
			assert.Equal(t, payload, data)
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.StorageBackend = backend
			cfg.StoragePath = t.TempDir()
			cfg.StorageCompression = true

			store, err := Open(cfg, nil)
			require.NoError(t, err)
			defer store.Close()

			switch backend {
			case config.BackendFile:
				assert.IsType(t, &FileStore{}, store)
			case config.BackendSQLite:
				assert.IsType(t, &SQLiteStore{}, store)
			}

			require.NoError(t, store.Write(context.Background(), Key{Prefix: PrefixDID, ID: 0}, []byte("x")))
			data, found := store.Read(context.Background(), Key{Prefix: PrefixDID, ID: 0})
			require.True(t, found)
			assert.Equal(t, []byte("x"), data)
		})
	}
}

func TestOpenRejectsBadRecipients(t *testing.T) {
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.StorageRecipients = []string{"age1notakey"}

	_, err := Open(cfg, nil)
	var configErr *config.Error
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "storage_recipients", configErr.Field)
}
