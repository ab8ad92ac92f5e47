// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/events"
	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/request"
)

// defaultThreshold applies when the configured threshold is not
// positive.
const defaultThreshold = 100

// Events owns the event buffer and flushes once it holds threshold
// distinct entries.
type Events struct {
	orchestrator.Base
	host       orchestrator.Host
	aggregator *events.Aggregator
	threshold  int
}

// NewEvents is the events factory.
func NewEvents(host orchestrator.Host) (orchestrator.Module, error) {
	threshold := host.Config().EventsThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Events{
		host:       host,
		aggregator: events.New(events.Config{Clock: host.Clock(), Logger: host.Logger()}),
		threshold:  threshold,
	}, nil
}

func (e *Events) Feature() orchestrator.Feature { return orchestrator.FeatureEvents }

// Aggregator returns the buffer.
func (e *Events) Aggregator() *events.Aggregator { return e.aggregator }

// Record buffers an event. Invalid events are logged and ignored, or
// returned in test mode.
func (e *Events) Record(ctx context.Context, key string, segmentation map[string]any, count int, sum, duration float64) error {
	size, err := e.aggregator.Record(key, segmentation, count, sum, duration)
	if err != nil {
		if e.host.TestMode() {
			return err
		}
		e.host.Logger().Warn("ignoring invalid event", zap.String("key", key), zap.Error(err))
		return nil
	}
	if size >= e.threshold {
		return e.host.Flush(ctx, orchestrator.ReasonThreshold)
	}
	return nil
}

func (e *Events) Contribute(_ context.Context, _ orchestrator.FlushReason, params request.Params) error {
	if data, count := e.aggregator.Drain(); count > 0 {
		params[request.ParamEvents] = string(data)
	}
	return nil
}

func (e *Events) Restore(_ context.Context, params request.Params) {
	data := params[request.ParamEvents]
	if data == "" {
		return
	}
	if err := e.aggregator.Restore(json.RawMessage(data)); err != nil {
		e.host.Logger().Error("restoring events failed", zap.Error(err))
	}
}

// OnConsentChanged discards the buffer when events consent is revoked.
func (e *Events) OnConsentChanged(_ context.Context, changed orchestrator.Feature, granted bool) error {
	if !granted && changed.Has(orchestrator.FeatureEvents) {
		e.aggregator.Drain()
	}
	return nil
}
