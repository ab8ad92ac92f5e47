// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"github.com/bureau-foundation/tally/lib/orchestrator"
)

// DefaultRegistry returns a registry with every built-in module.
func DefaultRegistry() *orchestrator.Registry {
	registry := orchestrator.NewRegistry()
	registry.Register(orchestrator.FeatureSessions, NewSessions)
	registry.Register(orchestrator.FeatureEvents, NewEvents)
	registry.Register(orchestrator.FeatureCrashes, NewCrashes)
	registry.Register(orchestrator.FeatureUserProfiles, NewUsers)
	registry.Register(orchestrator.FeatureAttribution, NewAttribution)
	registry.Register(orchestrator.FeaturePush, NewPush)
	registry.Register(orchestrator.FeatureLocation, NewLocation)
	registry.Register(orchestrator.FeatureDeviceID, NewDeviceID)
	registry.Register(orchestrator.FeatureConsent, NewConsent)
	return registry
}

// ModuleSource is anything that can look up modules by feature.
type ModuleSource interface {
	Module(feature orchestrator.Feature) (orchestrator.Module, bool)
}

// Lookup returns the module for feature as T. It reports false when the
// feature has no module or was overridden with another type.
func Lookup[T orchestrator.Module](source ModuleSource, feature orchestrator.Feature) (T, bool) {
	var zero T
	module, ok := source.Module(feature)
	if !ok {
		return zero, false
	}
	typed, ok := module.(T)
	return typed, ok
}
