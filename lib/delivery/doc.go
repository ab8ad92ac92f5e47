// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery drains the request queue to the collector.
//
// The [Engine] sends at most one request at a time, oldest first. A
// worker goroutine is started by [Engine.Tick] and loops until the
// queue is empty, a send fails, or the head request is still waiting
// for a device id. For the head record it:
//
//   - drops records that cannot be read or decoded,
//   - resolves the pending device id placeholder, or stops if it cannot,
//   - drops records older than the configured maximum age,
//   - drops records any enabled module votes against,
//   - sends, and removes the record once the collector acknowledges.
//
// A request counts as delivered only on a 2xx response whose JSON body
// has "result" equal to "success", compared case-insensitively.
// Anything else leaves the record queued and puts the engine into
// backoff: the retry tick fires after one second, doubling per
// consecutive failure up to five minutes. [Engine.ResetBackoff] retries
// at once, for when connectivity returns.
//
// [HTTPTransport] is the production [Transport].
package delivery
