// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuestore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tally/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	prefix TEXT NOT NULL,
	id INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (prefix, id)
) WITHOUT ROWID;
`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. Its directory must exist.
	Path string

	Codec  *Codec
	Logger *zap.Logger
}

// SQLiteStore keeps records in a single SQLite table.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	codec  *Codec
	logger *zap.Logger
	notify notifier
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("queuestore").With(zap.String("database", cfg.Path))

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queuestore: %w", err)
	}

	codec := cfg.Codec
	if codec == nil {
		codec = NewCodec(CodecOptions{})
	}
	return &SQLiteStore{
		pool:   pool,
		codec:  codec,
		logger: logger,
		notify: newNotifier(),
	}, nil
}

// Write implements Store.
func (s *SQLiteStore) Write(ctx context.Context, key Key, data []byte) error {
	frame, err := s.codec.Seal(data)
	if err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queuestore: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO records (prefix, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (prefix, id) DO UPDATE SET data = excluded.data`,
		&sqlitex.ExecOptions{Args: []any{string(key.Prefix), key.ID, frame}})
	if err != nil {
		return fmt.Errorf("queuestore: writing %s: %w", key, err)
	}
	s.notify.signal()
	return nil
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, prefix Prefix, id int64, data []byte) (Key, error) {
	frame, err := s.codec.Seal(data)
	if err != nil {
		return Key{}, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Key{}, fmt.Errorf("queuestore: %w", err)
	}
	defer s.pool.Put(conn)

	key := Key{Prefix: prefix, ID: id}
	for {
		err := sqlitex.Execute(conn,
			`INSERT INTO records (prefix, id, data) VALUES (?, ?, ?) ON CONFLICT (prefix, id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{string(prefix), key.ID, frame}})
		if err != nil {
			return Key{}, fmt.Errorf("queuestore: inserting %s: %w", key, err)
		}
		if conn.Changes() > 0 {
			break
		}
		key.ID++
	}
	s.notify.signal()
	return key, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key Key) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queuestore: reading %s: %w", key, err)
	}
	defer s.pool.Put(conn)

	var frame []byte
	found := false
	err = sqlitex.Execute(conn, `SELECT data FROM records WHERE prefix = ? AND id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(key.Prefix), key.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			frame = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, frame)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queuestore: reading %s: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	data, err := s.codec.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("queuestore: opening %s: %w", key, err)
	}
	return data, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, key Key) ([]byte, bool) {
	data, err := s.Load(ctx, key)
	return readLogged(s.logger, key, data, err)
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, key Key) error {
	return s.execute(ctx, `DELETE FROM records WHERE prefix = ? AND id = ?`, string(key.Prefix), key.ID)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, prefix Prefix, limit int) ([]int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queuestore: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT id FROM records WHERE prefix = ? ORDER BY id ASC LIMIT ?`
	sqlLimit := int64(limit)
	switch {
	case limit < 0:
		query = `SELECT id FROM records WHERE prefix = ? ORDER BY id DESC LIMIT ?`
		sqlLimit = int64(-limit)
	case limit == 0:
		sqlLimit = -1
	}

	var ids []int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{string(prefix), sqlLimit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queuestore: listing %s: %w", prefix, err)
	}
	return ids, nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, prefix Prefix) error {
	return s.execute(ctx, `DELETE FROM records WHERE prefix = ?`, string(prefix))
}

// Notify implements Store.
func (s *SQLiteStore) Notify() <-chan struct{} {
	return s.notify
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) execute(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queuestore: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("queuestore: %w", err)
	}
	return nil
}
