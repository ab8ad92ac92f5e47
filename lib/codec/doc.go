// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the agent's on-disk encoding.
//
// The agent speaks two formats. The collector sees URL-encoded
// parameters with JSON values (the events array, user details, crash
// reports). Everything the agent persists for itself (queued requests,
// device identities, fatal crash records) is CBOR, encoded through this
// package so every record of the same logical value is byte-identical.
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, shortest integers, no indefinite-length items.
//
// Persisted types use `cbor` struct tags. Types that also appear on the
// wire or in CLI --json output use `json` tags, which fxamacker/cbor
// reads as a fallback.
package codec
