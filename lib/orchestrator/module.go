// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// Vote is a module's verdict on a queued request.
type Vote int

const (
	VoteAbstain Vote = iota
	VoteSend
	VoteDrop
)

func (v Vote) String() string {
	switch v {
	case VoteAbstain:
		return "abstain"
	case VoteSend:
		return "send"
	case VoteDrop:
		return "drop"
	default:
		return fmt.Sprintf("Vote(%d)", int(v))
	}
}

// FlushReason says why a flush happened.
type FlushReason string

const (
	ReasonThreshold  FlushReason = "threshold"
	ReasonTimer      FlushReason = "timer"
	ReasonSessionEnd FlushReason = "session_end"
	ReasonUserChange FlushReason = "user_change"
	ReasonExplicit   FlushReason = "explicit"
	ReasonStop       FlushReason = "stop"
)

// Module is one feature.
type Module interface {
	Feature() Feature

	// OnContextAcquired runs once the agent has started, and again for
	// a module enabled later by consent.
	OnContextAcquired(ctx context.Context, host Host) error

	OnDeviceID(ctx context.Context, old, new *identity.DID) error

	// OnRequest votes on a queued request about to be sent.
	OnRequest(ctx context.Context, req *request.Request) Vote

	// OnUserChanged runs after the primary device id changed without a
	// merge.
	OnUserChanged(ctx context.Context) error

	Stop(ctx context.Context) error
}

// Contributor is a module with parameters to merge into flush requests.
type Contributor interface {
	Contribute(ctx context.Context, reason FlushReason, params request.Params) error
}

// Restorer takes back a contribution whose request could not be
// written.
type Restorer interface {
	Restore(ctx context.Context, params request.Params)
}

// ConsentObserver hears about consent changes. changed holds the bits
// that flipped to granted.
type ConsentObserver interface {
	OnConsentChanged(ctx context.Context, changed Feature, granted bool) error
}

// Base implements every Module method but Feature as a no-op.
type Base struct{}

func (Base) OnContextAcquired(context.Context, Host) error { return nil }

func (Base) OnDeviceID(context.Context, *identity.DID, *identity.DID) error { return nil }

func (Base) OnRequest(context.Context, *request.Request) Vote { return VoteAbstain }

func (Base) OnUserChanged(context.Context) error { return nil }

func (Base) Stop(context.Context) error { return nil }

// Host is the agent as seen by modules.
type Host interface {
	Logger() *zap.Logger
	Clock() clock.Clock
	Config() *config.Config
	Identity() *identity.Resolver
	Store() queuestore.Store

	// TestMode reports whether errors should surface to callers.
	TestMode() bool

	// Enabled reports whether every bit of features is enabled.
	Enabled(features Feature) bool

	// NewRequest builds a request carrying the common parameters.
	NewRequest(params request.Params) *request.Request

	// Enqueue persists req and wakes delivery.
	Enqueue(ctx context.Context, req *request.Request) error

	// Flush writes one request merging every contribution.
	Flush(ctx context.Context, reason FlushReason) error

	// UserChanged broadcasts OnUserChanged.
	UserChanged(ctx context.Context) error

	// Tick wakes delivery.
	Tick()
}
