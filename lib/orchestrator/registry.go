// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"fmt"
)

// Factory creates a feature's module. host is usable for reading
// configuration; lifecycle work waits for OnContextAcquired.
type Factory func(host Host) (Module, error)

// Registry maps features to factories. Modules are created and receive
// broadcasts in the order their features were first registered.
type Registry struct {
	factories map[Feature]Factory
	order     []Feature
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Feature]Factory)}
}

// Register sets the factory for feature without checking it; Validate
// reports problems.
func (r *Registry) Register(feature Feature, factory Factory) {
	r.set(feature, factory)
}

// Override replaces the factory for a known feature.
func (r *Registry) Override(feature Feature, factory Factory) error {
	if !feature.Single() {
		return fmt.Errorf("orchestrator: cannot override %s: not a single known feature", feature)
	}
	if factory == nil {
		return fmt.Errorf("orchestrator: nil factory for %s", feature)
	}
	r.set(feature, factory)
	return nil
}

// set replaces a registered factory in place or appends a new one.
func (r *Registry) set(feature Feature, factory Factory) {
	if _, ok := r.factories[feature]; !ok {
		r.order = append(r.order, feature)
	}
	r.factories[feature] = factory
}

// Order returns the registered features in registration order.
func (r *Registry) Order() []Feature {
	return append([]Feature(nil), r.order...)
}

// Factory returns the factory for feature.
func (r *Registry) Factory(feature Feature) (Factory, bool) {
	factory, ok := r.factories[feature]
	return factory, ok
}

// Features returns the set of registered features.
func (r *Registry) Features() Feature {
	var set Feature
	for feature := range r.factories {
		set |= feature
	}
	return set
}

// Validate rejects unknown features, nil factories, and a missing
// internal feature.
func (r *Registry) Validate() error {
	var errs []error
	for feature, factory := range r.factories {
		if !feature.Single() {
			errs = append(errs, fmt.Errorf("unknown feature %#x", uint32(feature)))
			continue
		}
		if factory == nil {
			errs = append(errs, fmt.Errorf("feature %s has a nil factory", feature))
		}
	}
	for _, internal := range InternalFeatures.Split() {
		if _, ok := r.factories[internal]; !ok {
			errs = append(errs, fmt.Errorf("internal feature %s is not registered", internal))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orchestrator: invalid registry: %w", err)
	}
	return nil
}
