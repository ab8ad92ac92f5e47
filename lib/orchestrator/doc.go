// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator hosts the agent's feature modules and drives
// their shared lifecycle.
//
// Each feature (sessions, events, crash capture, user profiles,
// attribution, push, location, and the internal device id and consent
// features) is a [Module] created from a [Registry] factory at startup.
// Modules never reference each other: they observe lifecycle
// broadcasts (context acquired, device id changed, user changed,
// consent changed, stop), vote on queued requests before delivery, and
// contribute parameters to merged flush requests.
//
// # Broadcasts
//
// Broadcasts reach enabled modules in registration order. A module error or
// panic is caught and logged and the broadcast continues; in test mode
// the collected errors are joined and returned.
//
// # Flushing
//
// [Orchestrator.Flush] asks every enabled [Contributor] for its pending
// parameters (session duration, buffered events, user detail deltas)
// and writes them as one request. If the write fails, contributions go
// back to modules that implement [Restorer].
//
// # Consent
//
// Features other than device id and consent can be switched off and on
// with [Orchestrator.SetEnabled]. A disabled module receives no
// broadcasts and casts no votes; modules implementing
// [ConsentObserver] hear about every change.
package orchestrator
