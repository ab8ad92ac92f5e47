// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/sealed"
)

// Store is the durable record store contract.
type Store interface {
	// Write creates or replaces the record at key.
	Write(ctx context.Context, key Key, data []byte) error

	// Insert writes data at (prefix, id), or at the next free id above
	// it, and returns the key used.
	Insert(ctx context.Context, prefix Prefix, id int64, data []byte) (Key, error)

	// Load returns the record at key. A missing record returns
	// ErrNotFound and one that fails verification ErrCorrupt. Any other
	// error (I/O, a cancelled ctx, ErrSealed) leaves the record intact
	// and may succeed on a later attempt.
	Load(ctx context.Context, key Key) ([]byte, error)

	// Read is Load for callers that only need the record when it is
	// readable now. Failures are logged and reported as false.
	Read(ctx context.Context, key Key) ([]byte, bool)

	// Remove deletes the record at key. A missing record is not an error.
	Remove(ctx context.Context, key Key) error

	// List returns ids under prefix. limit > 0 returns the oldest limit
	// ids ascending, limit < 0 the newest -limit ids descending, and 0
	// every id ascending.
	List(ctx context.Context, prefix Prefix, limit int) ([]int64, error)

	// Purge removes every record under prefix.
	Purge(ctx context.Context, prefix Prefix) error

	// Notify returns a capacity-1 channel signalled after each write.
	Notify() <-chan struct{}

	Close() error
}

// ErrNotFound is returned by Load for a key with no record.
var ErrNotFound = errors.New("queuestore: record not found")

// IsPermanent reports whether a Load error means the record can never
// be read, as opposed to absent or temporarily unreadable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// readLogged adapts Load to the Read contract.
func readLogged(logger *zap.Logger, key Key, data []byte, err error) ([]byte, bool) {
	if err == nil {
		return data, true
	}
	if !errors.Is(err, ErrNotFound) {
		logger.Warn("reading record failed", zap.Stringer("record", key), zap.Error(err))
	}
	return nil, false
}

// notifier is the shared wake signal of both backends.
type notifier chan struct{}

func newNotifier() notifier {
	return make(notifier, 1)
}

func (n notifier) signal() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// selectIDs orders ids and applies a List limit.
func selectIDs(ids []int64, limit int) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	switch {
	case limit > 0:
		if len(ids) > limit {
			ids = ids[:limit]
		}
	case limit < 0:
		if len(ids) > -limit {
			ids = ids[len(ids)+limit:]
		}
		for left, right := 0, len(ids)-1; left < right; left, right = left+1, right-1 {
			ids[left], ids[right] = ids[right], ids[left]
		}
	}
	return ids
}

// Open builds the store described by cfg: the backend, the directory
// under StoragePath, and the record codec.
func Open(cfg *config.Config, logger *zap.Logger) (Store, error) {
	codec, err := codecFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, fmt.Errorf("queuestore: creating %s: %w", cfg.StoragePath, err)
	}

	switch cfg.StorageBackend {
	case config.BackendSQLite:
		return NewSQLiteStore(SQLiteConfig{
			Path:   filepath.Join(cfg.StoragePath, "queue.db"),
			Codec:  codec,
			Logger: logger,
		})
	case config.BackendFile, "":
		return NewFileStore(FileConfig{
			Directory: filepath.Join(cfg.StoragePath, "queue"),
			Codec:     codec,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("queuestore: unknown backend %q", cfg.StorageBackend)
	}
}

func codecFromConfig(cfg *config.Config) (*Codec, error) {
	options := CodecOptions{Compress: cfg.StorageCompression}
	if len(cfg.StorageRecipients) > 0 {
		recipients, err := sealed.ParseRecipients(cfg.StorageRecipients)
		if err != nil {
			return nil, &config.Error{Field: "storage_recipients", Message: err.Error()}
		}
		options.Recipients = recipients
	}
	if cfg.StorageIdentityFile != "" {
		identities, err := sealed.LoadIdentities(cfg.StorageIdentityFile)
		if err != nil {
			return nil, &config.Error{Field: "storage_identity_file", Message: err.Error()}
		}
		options.Identities = identities
	}
	return NewCodec(options), nil
}
