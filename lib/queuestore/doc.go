// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queuestore persists the agent's records: queued requests,
// fatal crash reports awaiting conversion, and resolved device ids.
//
// Records are opaque bytes addressed by a [Key], a (prefix, id) pair
// whose name is "<prefix>_<id>". Ids are creation times in nanoseconds,
// so listing a prefix in id order lists it in creation order. [Store]
// is the contract every backend implements:
//
//   - Write creates or replaces one record atomically.
//   - Insert appends a record, bumping the id past any record that
//     already holds it. Two processes sharing a directory can pick the
//     same nanosecond; uniqueness is decided at write time.
//   - Read and Remove are idempotent: a missing record reads as absent
//     and removes successfully.
//   - List returns ids in creation order, the oldest N for a positive
//     limit and the newest N (newest first) for a negative one.
//   - Notify delivers a wake signal after every successful write.
//
// Two backends exist. [FileStore] keeps one file per record, written
// through a temporary file, fsync, and rename, with writers serialized
// by an advisory lock on the directory's .lock file. It also reads,
// lists, and removes the "<prefix>-<id>" names written by earlier
// agent versions. [SQLiteStore] keeps records in one WAL-mode table.
//
// Both backends pass record bytes through a [Codec], which frames them
// with a BLAKE3 digest and optionally compresses them with LZ4 and
// encrypts them with age. A record whose frame or digest does not
// verify reads as absent and is logged.
//
// Read errors never cross the Store boundary: callers see absence.
// Write errors are returned so the caller can keep the data in memory.
package queuestore
