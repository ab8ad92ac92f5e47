// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves and tracks the identifiers the agent tags
// its requests with.
//
// Every identifier is a [DID]: a realm (what it identifies), a strategy
// (how it was produced), and the id string. Each realm moves through
// Unresolved, Resolving, and Resolved; [Resolver.Reset] sends a
// resolved realm back through Resolving with a fresh id.
//
// [Resolver.Acquire] produces an id from the [Registry] of generators:
// the preferred strategy first, then (when fallback is allowed) every
// other registered generator in registration order, and finally a
// random UUID, which never fails. Resolution for a realm is shared:
// concurrent callers, synchronous or via [Resolver.AcquireAsync], wait
// on one generator run.
//
// A resolved or externally supplied ([Resolver.Change]) DID is written
// to the store under the "did" prefix and announced to the [Listener]
// with the old and new values. After [Resolver.Stop], results of
// resolutions still in flight are discarded.
package identity
