// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the instance handle an application embeds to report
// telemetry.
//
// An Agent wires the components together:
//
//   - the durable queue store (lib/queuestore), opened from the
//     configuration's storage settings;
//   - the device identity resolver (lib/identity), restored from the
//     store and resolving the primary device id in the background;
//   - the module orchestrator (lib/orchestrator) with the built-in
//     feature modules (lib/modules), listening to identity changes;
//   - the delivery engine (lib/delivery), draining the queue to the
//     collector over HTTP.
//
// The platform adapter calls [Agent.Start] once the application context
// is available, forwards lifecycle signals (sessions, push token
// refreshes, connectivity changes), and calls [Agent.Stop] on shutdown.
// Every signal method is safe for concurrent use. Signals for a feature
// whose consent is not granted are ignored. After Stop every method
// returns [ErrStopped].
//
// A periodic update timer flushes pending data every
// update_interval_seconds; explicit [Agent.Flush] does the same at once.
package agent
