// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/request"
)

// Attribution sends the advertising id whenever it changes.
type Attribution struct {
	orchestrator.Base
	host orchestrator.Host
}

// NewAttribution is the attribution factory.
func NewAttribution(host orchestrator.Host) (orchestrator.Module, error) {
	return &Attribution{host: host}, nil
}

func (a *Attribution) Feature() orchestrator.Feature { return orchestrator.FeatureAttribution }

func (a *Attribution) OnDeviceID(ctx context.Context, _, new *identity.DID) error {
	if new == nil || new.Realm != identity.RealmAdvertisingID {
		return nil
	}
	return a.host.Enqueue(ctx, a.host.NewRequest(request.Params{request.ParamAdvertisingID: new.ID}))
}

// Push associates the push token with the device whenever it changes.
type Push struct {
	orchestrator.Base
	host orchestrator.Host
}

// NewPush is the push factory.
func NewPush(host orchestrator.Host) (orchestrator.Module, error) {
	return &Push{host: host}, nil
}

func (p *Push) Feature() orchestrator.Feature { return orchestrator.FeaturePush }

func (p *Push) OnDeviceID(ctx context.Context, _, new *identity.DID) error {
	if new == nil || new.Realm != identity.RealmPushToken {
		return nil
	}
	return p.host.Enqueue(ctx, p.host.NewRequest(request.Params{
		request.ParamTokenSession: "1",
		request.ParamPushToken:    new.ID,
	}))
}

// Location reports the device location.
type Location struct {
	orchestrator.Base
	host orchestrator.Host
}

// NewLocation is the location factory.
func NewLocation(host orchestrator.Host) (orchestrator.Module, error) {
	return &Location{host: host}, nil
}

func (l *Location) Feature() orchestrator.Feature { return orchestrator.FeatureLocation }

// Set queues a location request for the coordinates.
func (l *Location) Set(ctx context.Context, latitude, longitude float64) error {
	if math.IsNaN(latitude) || latitude < -90 || latitude > 90 {
		return fmt.Errorf("latitude %v out of range", latitude)
	}
	if math.IsNaN(longitude) || longitude < -180 || longitude > 180 {
		return fmt.Errorf("longitude %v out of range", longitude)
	}
	location := strconv.FormatFloat(latitude, 'f', -1, 64) + "," + strconv.FormatFloat(longitude, 'f', -1, 64)
	return l.host.Enqueue(ctx, l.host.NewRequest(request.Params{request.ParamLocation: location}))
}

// Disable tells the collector to stop inferring a location for this
// device.
func (l *Location) Disable(ctx context.Context) error {
	return l.host.Enqueue(ctx, l.host.NewRequest(request.Params{request.ParamLocation: ""}))
}
