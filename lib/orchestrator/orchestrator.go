// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// Config configures an Orchestrator.
type Config struct {
	Registry *Registry

	// Features selects the modules to create. Internal features are
	// always added. Zero means every registered feature.
	Features Feature

	// Enabled is the initial consent state of the consent features.
	Enabled Feature

	Agent    *config.Config
	Clock    clock.Clock
	Logger   *zap.Logger
	Store    queuestore.Store
	Identity *identity.Resolver
	Builder  *request.Builder

	// Tick wakes delivery. Optional.
	Tick func()
}

// Orchestrator owns the modules. It implements Host for them and
// identity.Listener for the resolver.
type Orchestrator struct {
	agent    *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	store    queuestore.Store
	identity *identity.Resolver
	builder  *request.Builder
	tick     func()

	// modules is fixed after New, in registry order.
	modules []Module

	flushMu sync.Mutex

	mu       sync.RWMutex
	enabled  Feature
	acquired bool
	stopped  bool
}

var (
	_ Host              = (*Orchestrator)(nil)
	_ identity.Listener = (*Orchestrator)(nil)
)

// New validates the registry and creates the selected modules.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: Registry is required")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil || cfg.Identity == nil || cfg.Builder == nil || cfg.Clock == nil {
		return nil, errors.New("orchestrator: Store, Identity, Builder and Clock are required")
	}
	agentConfig := cfg.Agent
	if agentConfig == nil {
		agentConfig = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	selected := cfg.Features
	if selected == 0 {
		selected = cfg.Registry.Features()
	}
	selected |= InternalFeatures

	o := &Orchestrator{
		agent:    agentConfig,
		clock:    cfg.Clock,
		logger:   logger.With(zap.String("component", "orchestrator")),
		store:    cfg.Store,
		identity: cfg.Identity,
		builder:  cfg.Builder,
		tick:     cfg.Tick,
		enabled:  cfg.Enabled&ConsentFeatures | InternalFeatures,
	}

	if missing := selected &^ cfg.Registry.Features(); missing != 0 {
		return nil, fmt.Errorf("orchestrator: no factory registered for %s", missing)
	}
	for _, feature := range cfg.Registry.Order() {
		if selected&feature == 0 {
			continue
		}
		factory, _ := cfg.Registry.Factory(feature)
		module, err := factory(o)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: creating %s module: %w", feature, err)
		}
		if module == nil || module.Feature() != feature {
			return nil, fmt.Errorf("orchestrator: factory for %s returned a module for another feature", feature)
		}
		o.modules = append(o.modules, module)
	}
	return o, nil
}

// Start broadcasts OnContextAcquired to the enabled modules.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.acquired {
		o.mu.Unlock()
		return nil
	}
	o.acquired = true
	o.mu.Unlock()

	return o.broadcast("context acquired", o.enabledModules(), func(module Module) error {
		return module.OnContextAcquired(ctx, o)
	})
}

// Module returns the module registered for feature.
func (o *Orchestrator) Module(feature Feature) (Module, bool) {
	for _, module := range o.modules {
		if module.Feature() == feature {
			return module, true
		}
	}
	return nil, false
}

// Features returns the set of features that have modules.
func (o *Orchestrator) Features() Feature {
	var set Feature
	for _, module := range o.modules {
		set |= module.Feature()
	}
	return set
}

// OnDeviceID broadcasts an identity change.
func (o *Orchestrator) OnDeviceID(ctx context.Context, old, new *identity.DID) error {
	return o.broadcast("device id changed", o.enabledModules(), func(module Module) error {
		return module.OnDeviceID(ctx, old, new)
	})
}

// UserChanged broadcasts OnUserChanged.
func (o *Orchestrator) UserChanged(ctx context.Context) error {
	return o.broadcast("user changed", o.enabledModules(), func(module Module) error {
		return module.OnUserChanged(ctx)
	})
}

// CheckRequest collects the enabled modules' votes. Any drop wins; a
// panicking voter abstains.
func (o *Orchestrator) CheckRequest(ctx context.Context, req *request.Request) Vote {
	verdict := VoteAbstain
	for _, module := range o.enabledModules() {
		vote := o.vote(ctx, module, req)
		switch vote {
		case VoteDrop:
			o.logger.Info("request vetoed",
				zap.Int64("request", req.ID),
				zap.Stringer("feature", module.Feature()))
			return VoteDrop
		case VoteSend:
			verdict = VoteSend
		}
	}
	return verdict
}

func (o *Orchestrator) vote(ctx context.Context, module Module, req *request.Request) (vote Vote) {
	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error("module panicked while voting",
				zap.Stringer("feature", module.Feature()),
				zap.Any("panic", recovered))
			vote = VoteAbstain
		}
	}()
	return module.OnRequest(ctx, req)
}

// Flush merges the contributions of every enabled Contributor into one
// request and enqueues it. Nothing is written when nobody contributes.
func (o *Orchestrator) Flush(ctx context.Context, reason FlushReason) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	type contribution struct {
		module Module
		params request.Params
	}
	var (
		contributions []contribution
		errs          []error
	)
	merged := request.Params{}
	for _, module := range o.enabledModules() {
		contributor, ok := module.(Contributor)
		if !ok {
			continue
		}
		params := request.Params{}
		err := o.safely(module, "flush", func(Module) error {
			return contributor.Contribute(ctx, reason, params)
		})
		if err != nil {
			errs = append(errs, err)
		}
		if len(params) > 0 {
			contributions = append(contributions, contribution{module: module, params: params})
			merged.Merge(params)
		}
	}

	if len(merged) > 0 {
		req := o.NewRequest(merged)
		if err := o.Enqueue(ctx, req); err != nil {
			for _, contributed := range contributions {
				if restorer, ok := contributed.module.(Restorer); ok {
					restorer.Restore(ctx, contributed.params)
				}
			}
			return fmt.Errorf("writing %s flush: %w", reason, err)
		}
		o.logger.Debug("flushed",
			zap.String("reason", string(reason)),
			zap.Int64("request", req.ID),
			zap.Int("contributors", len(contributions)))
	}

	if o.TestMode() {
		return errors.Join(errs...)
	}
	return nil
}

// SetEnabled grants or revokes consent for features. Only consent
// features are affected. Newly enabled modules receive
// OnContextAcquired once the agent has started; every ConsentObserver
// hears about the change.
func (o *Orchestrator) SetEnabled(ctx context.Context, features Feature, granted bool) error {
	features &= ConsentFeatures

	o.mu.Lock()
	var changed Feature
	if granted {
		changed = features &^ o.enabled
		o.enabled |= changed
	} else {
		changed = features & o.enabled
		o.enabled &^= changed
	}
	acquired := o.acquired
	o.mu.Unlock()

	if changed == 0 {
		return nil
	}
	o.logger.Info("consent changed",
		zap.Stringer("features", changed),
		zap.Bool("granted", granted))

	var errs []error
	if granted && acquired {
		var newlyEnabled []Module
		for _, module := range o.modules {
			if changed.Has(module.Feature()) {
				newlyEnabled = append(newlyEnabled, module)
			}
		}
		errs = append(errs, o.broadcast("context acquired", newlyEnabled, func(module Module) error {
			return module.OnContextAcquired(ctx, o)
		}))
	}

	// Observers of a revoked feature still hear about it, so they can
	// discard what they buffered.
	observers := o.enabledModules()
	if !granted {
		for _, module := range o.modules {
			if changed.Has(module.Feature()) {
				observers = append(observers, module)
			}
		}
	}
	errs = append(errs, o.broadcast("consent changed", observers, func(module Module) error {
		if observer, ok := module.(ConsentObserver); ok {
			return observer.OnConsentChanged(ctx, changed, granted)
		}
		return nil
	}))
	return errors.Join(errs...)
}

// EnabledFeatures returns the enabled set.
func (o *Orchestrator) EnabledFeatures() Feature {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled
}

// Stop flushes, then stops every module, enabled or not.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	var errs []error
	if err := o.Flush(ctx, ReasonStop); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, o.broadcast("stop", o.modules, func(module Module) error {
		return module.Stop(ctx)
	}))
	return errors.Join(errs...)
}

func (o *Orchestrator) enabledModules() []Module {
	o.mu.RLock()
	enabled := o.enabled
	o.mu.RUnlock()

	modules := make([]Module, 0, len(o.modules))
	for _, module := range o.modules {
		if enabled.Has(module.Feature()) {
			modules = append(modules, module)
		}
	}
	return modules
}

// broadcast calls call on each module, catching errors and panics per
// module. Errors are returned only in test mode.
func (o *Orchestrator) broadcast(event string, modules []Module, call func(Module) error) error {
	var errs []error
	for _, module := range modules {
		if err := o.safely(module, event, call); err != nil {
			errs = append(errs, err)
		}
	}
	if o.TestMode() {
		return errors.Join(errs...)
	}
	return nil
}

func (o *Orchestrator) safely(module Module, event string, call func(Module) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s module panicked during %s: %v", module.Feature(), event, recovered)
		}
		if err != nil {
			o.logger.Error("module failed",
				zap.Stringer("feature", module.Feature()),
				zap.String("event", event),
				zap.Error(err))
		}
	}()
	if err := call(module); err != nil {
		return fmt.Errorf("%s module during %s: %w", module.Feature(), event, err)
	}
	return nil
}

// Host implementation.

func (o *Orchestrator) Logger() *zap.Logger          { return o.logger }
func (o *Orchestrator) Clock() clock.Clock           { return o.clock }
func (o *Orchestrator) Config() *config.Config       { return o.agent }
func (o *Orchestrator) Identity() *identity.Resolver { return o.identity }
func (o *Orchestrator) Store() queuestore.Store      { return o.store }
func (o *Orchestrator) TestMode() bool               { return o.agent.TestMode }

// Enabled reports whether every bit of features is enabled.
func (o *Orchestrator) Enabled(features Feature) bool {
	return o.EnabledFeatures().Has(features)
}

func (o *Orchestrator) NewRequest(params request.Params) *request.Request {
	return o.builder.New(params)
}

// Enqueue inserts req under the request prefix. A colliding id is
// moved up, and req.ID updated to match.
func (o *Orchestrator) Enqueue(ctx context.Context, req *request.Request) error {
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	key, err := o.store.Insert(ctx, queuestore.PrefixRequest, req.ID, data)
	if err != nil {
		return fmt.Errorf("queueing request: %w", err)
	}
	req.ID = key.ID
	o.Tick()
	return nil
}

func (o *Orchestrator) Tick() {
	if o.tick != nil {
		o.tick()
	}
}
