// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for tally packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so individual tests
// do not call time.After directly. They are the only place in the test
// suite that waits on the wall clock; everything else drives time
// through clock.Fake.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation (event keys, custom device ids) without time.Now().
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no tally-internal dependencies.
package testutil
