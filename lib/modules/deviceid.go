// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// DeviceID keeps queued requests in step with the primary device id.
//
// Requests built before the id resolved carry request.PendingDeviceID.
// When the id resolves, every such record is rewritten in place under
// its own key, so queue order is unchanged. Delivery resolves single
// records through ResolvePending. Both paths rewrite under one mutex
// after re-reading the record, so a record already sent and removed is
// never written back.
type DeviceID struct {
	orchestrator.Base
	host orchestrator.Host

	rewriteMu sync.Mutex
}

// NewDeviceID is the device id factory.
func NewDeviceID(host orchestrator.Host) (orchestrator.Module, error) {
	return &DeviceID{host: host}, nil
}

func (d *DeviceID) Feature() orchestrator.Feature { return orchestrator.FeatureDeviceID }

func (d *DeviceID) OnDeviceID(ctx context.Context, _, new *identity.DID) error {
	if new == nil || new.Realm != identity.RealmDeviceID {
		return nil
	}
	rewritten, err := d.rewriteAll(ctx, new.ID)
	if rewritten > 0 {
		d.host.Logger().Info("resolved pending requests", zap.Int("count", rewritten))
		d.host.Tick()
	}
	return err
}

func (d *DeviceID) rewriteAll(ctx context.Context, deviceID string) (int, error) {
	store := d.host.Store()
	ids, err := store.List(ctx, queuestore.PrefixRequest, 0)
	if err != nil {
		return 0, fmt.Errorf("listing requests: %w", err)
	}

	d.rewriteMu.Lock()
	defer d.rewriteMu.Unlock()
	rewritten := 0
	var errs []error
	for _, id := range ids {
		changed, err := d.rewriteLocked(ctx, queuestore.Key{Prefix: queuestore.PrefixRequest, ID: id}, deviceID)
		if err != nil {
			errs = append(errs, err)
		}
		if changed != nil {
			rewritten++
		}
	}
	return rewritten, errors.Join(errs...)
}

// rewriteLocked resolves the record at key if it is still pending and
// returns the rewritten request, or nil when nothing changed.
func (d *DeviceID) rewriteLocked(ctx context.Context, key queuestore.Key, deviceID string) (*request.Request, error) {
	store := d.host.Store()
	data, ok := store.Read(ctx, key)
	if !ok {
		return nil, nil
	}
	req, err := request.Unmarshal(data)
	if err != nil {
		// Delivery drops undecodable records.
		return nil, nil
	}
	if !req.ResolveDeviceID(deviceID) {
		return nil, nil
	}
	updated, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := store.Write(ctx, key, updated); err != nil {
		return nil, fmt.Errorf("rewriting %s: %w", key, err)
	}
	return req, nil
}

// ResolvePending rewrites the record at key with the current primary
// device id. It returns the record as stored afterwards, or nil when
// the record is gone or still pending because no id has resolved.
func (d *DeviceID) ResolvePending(ctx context.Context, key queuestore.Key) (*request.Request, error) {
	d.rewriteMu.Lock()
	defer d.rewriteMu.Unlock()

	if deviceID := d.host.Identity().CurrentID(identity.RealmDeviceID); deviceID != "" {
		if _, err := d.rewriteLocked(ctx, key, deviceID); err != nil {
			return nil, err
		}
	}
	data, ok := d.host.Store().Read(ctx, key)
	if !ok {
		return nil, nil
	}
	req, err := request.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if req.IsPending() {
		return nil, nil
	}
	req.ID = key.ID
	return req, nil
}

// Change switches the primary device id to a caller-supplied one.
//
// With merge, queued data keeps the old id and a request carrying
// old_device_id asks the collector to fold the old device into the new
// one. Without merge, everything pending is flushed under the old id
// first, and modules hear OnUserChanged afterwards.
func (d *DeviceID) Change(ctx context.Context, deviceID string, merge bool) error {
	if deviceID == "" || deviceID == request.PendingDeviceID {
		return fmt.Errorf("invalid device id %q", deviceID)
	}
	resolver := d.host.Identity()
	old := resolver.Current(identity.RealmDeviceID)
	if old != nil && old.ID == deviceID {
		return nil
	}
	next := identity.DID{Realm: identity.RealmDeviceID, Strategy: identity.StrategyCustom, ID: deviceID}

	if !merge {
		if err := d.host.Flush(ctx, orchestrator.ReasonUserChange); err != nil {
			d.host.Logger().Warn("flush before device id change failed", zap.Error(err))
		}
		if err := resolver.Change(ctx, next); err != nil {
			return err
		}
		return d.host.UserChanged(ctx)
	}

	if err := resolver.Change(ctx, next); err != nil {
		return err
	}
	if old == nil {
		// Nothing was sent under another id; pending requests were
		// rewritten.
		return nil
	}
	return d.host.Enqueue(ctx, d.host.NewRequest(request.Params{request.ParamOldDeviceID: old.ID}))
}
