// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the agent's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with the pragmas a durable request
// queue needs and exposes the underlying zombiezen types directly.
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it back.
// Connections are not safe for concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=FULL: a committed record survives power loss. Queue
//     writes are infrequent, so the fsync per commit is affordable.
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY when two agents share a database.
//   - cache_size=-2048: 2 MB page cache per connection.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(dir, "queue.db"),
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
package sqlitepool
