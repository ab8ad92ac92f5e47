// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package modules holds the built-in feature modules hosted by the
// orchestrator.
//
// [DefaultRegistry] registers a factory for every feature. Embedding
// code replaces a feature with [orchestrator.Registry.Override] and
// reaches a module's typed API with [Lookup]:
//
//	events, ok := modules.Lookup[*modules.Events](orch, orchestrator.FeatureEvents)
package modules
