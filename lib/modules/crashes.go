// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// Crash is a crash report as carried in the crash parameter.
type Crash struct {
	Name       string         `json:"_name,omitempty"`
	Error      string         `json:"_error"`
	NonFatal   bool           `json:"_nonfatal"`
	Custom     map[string]any `json:"_custom,omitempty"`
	OS         string         `json:"_os"`
	Arch       string         `json:"_architecture"`
	AppVersion string         `json:"_app_version,omitempty"`

	// Run is the number of seconds the agent had been running.
	Run int64 `json:"_run"`
}

// Crashes reports crashes. A non-fatal crash becomes a request at once.
// A fatal crash is written as a durable crash record holding the
// finished request, which is moved into the request queue the next time
// the agent starts.
type Crashes struct {
	orchestrator.Base
	host    orchestrator.Host
	started time.Time
}

// NewCrashes is the crashes factory.
func NewCrashes(host orchestrator.Host) (orchestrator.Module, error) {
	return &Crashes{host: host, started: host.Clock().Now()}, nil
}

func (c *Crashes) Feature() orchestrator.Feature { return orchestrator.FeatureCrashes }

// OnContextAcquired moves crash records left by a previous run into the
// request queue.
func (c *Crashes) OnContextAcquired(ctx context.Context, host orchestrator.Host) error {
	store := host.Store()
	ids, err := store.List(ctx, queuestore.PrefixCrash, 0)
	if err != nil {
		return fmt.Errorf("listing crash records: %w", err)
	}

	var errs []error
	for _, id := range ids {
		key := queuestore.Key{Prefix: queuestore.PrefixCrash, ID: id}
		data, ok := store.Read(ctx, key)
		if !ok {
			continue
		}
		if _, err := request.Unmarshal(data); err != nil {
			host.Logger().Warn("discarding undecodable crash record", zap.Stringer("key", key), zap.Error(err))
			errs = append(errs, store.Remove(ctx, key))
			continue
		}
		// The request keeps its creation id, so it sorts by crash time.
		if _, err := store.Insert(ctx, queuestore.PrefixRequest, id, data); err != nil {
			errs = append(errs, fmt.Errorf("queueing crash %d: %w", id, err))
			continue
		}
		errs = append(errs, store.Remove(ctx, key))
		host.Logger().Info("queued crash from previous run", zap.Int64("crash", id))
	}
	if len(ids) > 0 {
		host.Tick()
	}
	return errors.Join(errs...)
}

// Record reports crash. OS, architecture, app version and run time are
// filled in.
func (c *Crashes) Record(ctx context.Context, crash Crash) error {
	if crash.Error == "" {
		return errors.New("crash has no error text")
	}
	crash.OS = runtime.GOOS
	crash.Arch = runtime.GOARCH
	if crash.AppVersion == "" {
		crash.AppVersion = c.host.Config().AppVersion
	}
	crash.Run = int64(c.host.Clock().Now().Sub(c.started) / time.Second)

	report, err := json.Marshal(crash)
	if err != nil {
		return fmt.Errorf("encoding crash: %w", err)
	}
	req := c.host.NewRequest(request.Params{request.ParamCrash: string(report)})

	if crash.NonFatal {
		return c.host.Enqueue(ctx, req)
	}
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("encoding crash request: %w", err)
	}
	if _, err := c.host.Store().Insert(ctx, queuestore.PrefixCrash, req.ID, data); err != nil {
		return fmt.Errorf("persisting fatal crash: %w", err)
	}
	return nil
}
