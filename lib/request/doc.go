// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package request defines the unit of work the agent persists and
// delivers: a flat parameter map tagged with a creation-time id.
//
// A [Request] is created by a [Builder], which stamps the parameters
// every collector call carries (app key, device id, timestamp, hour,
// day of week, timezone offset, SDK name and version) and assigns an
// id equal to the creation time in Unix nanoseconds. Ids are strictly
// increasing within a process: two requests built in the same
// nanosecond get consecutive ids.
//
// When no device id has been resolved yet the builder writes
// [PendingDeviceID] instead. Such a request must be rewritten with
// [Request.ResolveDeviceID] before it is sent.
//
// Requests are stored with [Request.Marshal] (deterministic CBOR) and
// sent with [Request.Query], the sorted URL encoding plus an optional
// salted checksum256.
package request
