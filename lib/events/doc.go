// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events buffers custom events between flushes.
//
// An [Aggregator] merges events with the same key and segmentation into
// one entry: counts, sums, and durations add, and the timestamp becomes
// the count-weighted average of the merged timestamps. Keys, segment
// names, and string segment values are NFC-normalized first, so
// canonically equivalent strings merge.
//
// Drain serializes the buffer to the JSON array carried by a request's
// "events" parameter and empties it in the same critical section.
// Deciding when to drain (the size threshold, the update timer, session
// end, shutdown) belongs to the caller.
package events
