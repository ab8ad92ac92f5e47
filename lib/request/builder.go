// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"strconv"
	"sync"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/version"
)

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Clock      clock.Clock
	AppKey     string
	AppVersion string

	// DeviceID returns the current primary device id, or "" when none
	// has been resolved.
	DeviceID func() string
}

// Builder creates requests with the common parameters filled in. Safe
// for concurrent use.
type Builder struct {
	clock      clock.Clock
	appKey     string
	appVersion string
	deviceID   func() string

	mu     sync.Mutex
	lastID int64
}

// NewBuilder returns a Builder. A nil DeviceID always yields pending
// requests.
func NewBuilder(config BuilderConfig) *Builder {
	deviceID := config.DeviceID
	if deviceID == nil {
		deviceID = func() string { return "" }
	}
	return &Builder{
		clock:      config.Clock,
		appKey:     config.AppKey,
		appVersion: config.AppVersion,
		deviceID:   deviceID,
	}
}

// NextID returns a fresh id: the current time in nanoseconds, bumped
// past the previous id when the clock has not advanced.
func (b *Builder) NextID() int64 {
	now := b.clock.Now().UnixNano()

	b.mu.Lock()
	defer b.mu.Unlock()
	if now <= b.lastID {
		now = b.lastID + 1
	}
	b.lastID = now
	return now
}

// New builds a request from params. The common parameters are set
// first, so params may override them (old_device_id merges set their
// own device_id, for instance). params is not retained.
func (b *Builder) New(params Params) *Request {
	id := b.NextID()
	created := b.clock.Now()
	_, offset := created.Zone()

	deviceID := b.deviceID()
	if deviceID == "" {
		deviceID = PendingDeviceID
	}

	merged := Params{
		ParamAppKey:     b.appKey,
		ParamDeviceID:   deviceID,
		ParamTimestamp:  strconv.FormatInt(created.UnixMilli(), 10),
		ParamHour:       strconv.Itoa(created.Hour()),
		ParamDayOfWeek:  strconv.Itoa(int(created.Weekday())),
		ParamTimezone:   strconv.Itoa(offset / 60),
		ParamSDKName:    version.SDKName,
		ParamSDKVersion: version.Version,
	}
	if b.appVersion != "" {
		merged[ParamAppVersion] = b.appVersion
	}
	merged.Merge(params)

	return &Request{ID: id, Params: merged}
}
