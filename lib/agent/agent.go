// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/delivery"
	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/modules"
	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// ErrStopped is returned by every method of a stopped Agent.
var ErrStopped = errors.New("agent: stopped")

// Options overrides the components New would otherwise build from the
// configuration. Every field is optional.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger

	// Store replaces the store opened from the storage settings. The
	// caller keeps ownership: Stop does not close it.
	Store queuestore.Store

	// Transport replaces the HTTP transport.
	Transport delivery.Transport

	// Registry replaces modules.DefaultRegistry.
	Registry *orchestrator.Registry

	// Features limits the modules created. Zero means all registered.
	Features orchestrator.Feature

	// Generators adds or replaces device id strategies.
	Generators map[identity.Strategy]identity.Generator
}

// Agent is one telemetry agent instance.
type Agent struct {
	config    *config.Config
	clock     clock.Clock
	logger    *zap.Logger
	store     queuestore.Store
	ownsStore bool

	resolver     *identity.Resolver
	orchestrator *orchestrator.Orchestrator
	engine       *delivery.Engine

	// background is cancelled by Stop; loops tracks the goroutines
	// started by Start.
	background context.Context
	cancel     context.CancelFunc
	loops      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and builds an agent. Nothing is sent and no device
// id is resolved until Start.
func New(cfg *config.Config, options Options) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("agent: configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	agentClock := options.Clock
	if agentClock == nil {
		agentClock = clock.Real()
	}

	a := &Agent{
		config: cfg,
		clock:  agentClock,
		logger: logger,
		store:  options.Store,
	}
	if a.store == nil {
		store, err := queuestore.Open(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("agent: opening queue store: %w", err)
		}
		a.store = store
		a.ownsStore = true
	}

	if err := a.build(options); err != nil {
		if a.ownsStore {
			a.store.Close()
		}
		return nil, err
	}
	a.background, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

func (a *Agent) build(options Options) error {
	cfg := a.config

	registry := identity.DefaultRegistry(cfg.AppKey, cfg.DeviceID)
	for strategy, generator := range options.Generators {
		registry.Register(strategy, generator)
	}
	a.resolver = identity.NewResolver(identity.ResolverConfig{
		Store:    a.store,
		Registry: registry,
		Logger:   a.logger,
	})
	if err := a.resolver.Load(context.Background()); err != nil {
		return fmt.Errorf("agent: restoring device ids: %w", err)
	}

	enabled := orchestrator.ConsentFeatures
	if cfg.RequireConsent {
		granted, err := orchestrator.ParseFeatures(cfg.Consent)
		if err != nil {
			return &config.Error{Field: "consent", Message: err.Error()}
		}
		enabled = granted
	}

	moduleRegistry := options.Registry
	if moduleRegistry == nil {
		moduleRegistry = modules.DefaultRegistry()
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Registry: moduleRegistry,
		Features: options.Features,
		Enabled:  enabled,
		Agent:    cfg,
		Clock:    a.clock,
		Logger:   a.logger,
		Store:    a.store,
		Identity: a.resolver,
		Builder: request.NewBuilder(request.BuilderConfig{
			Clock:      a.clock,
			AppKey:     cfg.AppKey,
			AppVersion: cfg.AppVersion,
			DeviceID: func() string {
				return a.resolver.CurrentID(identity.RealmDeviceID)
			},
		}),
		Tick: a.tick,
	})
	if err != nil {
		return err
	}
	a.orchestrator = orch
	a.resolver.SetListener(orch)

	transport := options.Transport
	if transport == nil {
		httpTransport, err := delivery.NewHTTPTransport(delivery.TransportConfigFrom(cfg))
		if err != nil {
			return err
		}
		transport = httpTransport
	}

	engineConfig := delivery.Config{
		Store:     a.store,
		Transport: transport,
		Clock:     a.clock,
		Logger:    a.logger,
		Salt:      cfg.Salt,
		MaxAge:    cfg.RequestMaxAge(),
		Voter:     orch,
	}
	if deviceID, ok := modules.Lookup[*modules.DeviceID](orch, orchestrator.FeatureDeviceID); ok {
		engineConfig.Pending = deviceID
	}
	a.engine, err = delivery.New(engineConfig)
	return err
}

func (a *Agent) tick() {
	if a.engine != nil {
		a.engine.Tick()
	}
}

// Start acquires the application context: modules start, the primary
// device id is resolved, the update timer starts, and queued requests
// from earlier runs begin draining. Calling Start twice does nothing.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("agent: starting modules: %w", err)
	}
	if err := a.acquireDeviceID(ctx); err != nil {
		return err
	}

	a.loops.Add(2)
	go func() {
		defer a.loops.Done()
		a.engine.Run(a.background)
	}()
	ticker := a.clock.NewTicker(a.config.UpdateInterval())
	go func() {
		defer a.loops.Done()
		defer ticker.Stop()
		a.runUpdates(ticker)
	}()

	a.engine.Tick()
	a.logger.Info("agent started",
		zap.String("server_url", a.config.ServerURL),
		zap.String("device_id_strategy", a.config.DeviceIDStrategy),
		zap.Stringer("modules", a.orchestrator.Features()),
		zap.Stringer("consent", a.orchestrator.EnabledFeatures()),
	)
	return nil
}

// acquireDeviceID applies a configured custom id, or starts resolving
// the primary device id when none was restored.
func (a *Agent) acquireDeviceID(ctx context.Context) error {
	strategy := identity.Strategy(a.config.DeviceIDStrategy)
	if strategy == identity.StrategyCustom {
		if a.resolver.CurrentID(identity.RealmDeviceID) == a.config.DeviceID {
			return nil
		}
		err := a.resolver.Change(ctx, identity.DID{
			Realm:    identity.RealmDeviceID,
			Strategy: identity.StrategyCustom,
			ID:       a.config.DeviceID,
		})
		if err != nil {
			return fmt.Errorf("agent: applying configured device id: %w", err)
		}
		return nil
	}

	if a.resolver.State(identity.RealmDeviceID) == identity.Resolved {
		return nil
	}
	results := a.resolver.AcquireAsync(a.background, identity.RealmDeviceID, strategy, a.config.AllowDeviceIDFallback)
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		select {
		case result := <-results:
			if result.Err != nil {
				a.logger.Error("resolving device id failed; requests stay queued",
					zap.String("strategy", string(strategy)), zap.Error(result.Err))
				return
			}
			a.logger.Info("device id resolved", zap.Stringer("device_id", result.DID))
		case <-a.background.Done():
		}
	}()
	return nil
}

func (a *Agent) runUpdates(ticker *clock.Ticker) {
	for {
		select {
		case <-ticker.C:
			if err := a.orchestrator.Flush(a.background, orchestrator.ReasonTimer); err != nil {
				a.logger.Warn("periodic flush failed", zap.Error(err))
			}
		case <-a.background.Done():
			return
		}
	}
}

// Stop flushes pending data into the queue, stops the modules, and
// waits for the in-flight delivery until ctx ends. Queued requests are
// sent by the next agent using the same storage.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.cancel()
	a.loops.Wait()

	var errs []error
	if err := a.orchestrator.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.resolver.Stop()
	if err := a.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for delivery: %w", err))
	}
	if a.ownsStore {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing queue store: %w", err))
		}
	}
	a.logger.Info("agent stopped", zap.Uint64("sent", a.engine.Stats().Sent))
	return errors.Join(errs...)
}

// live returns ErrStopped once Stop has been called.
func (a *Agent) live() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	return nil
}

// module returns the module for feature when it exists and its consent
// is granted.
func module[T orchestrator.Module](a *Agent, feature orchestrator.Feature) (T, bool, error) {
	var zero T
	if err := a.live(); err != nil {
		return zero, false, err
	}
	typed, ok := modules.Lookup[T](a.orchestrator, feature)
	if !ok {
		return zero, false, nil
	}
	if !a.orchestrator.Enabled(feature) {
		a.logger.Debug("ignoring signal without consent", zap.Stringer("feature", feature))
		return zero, false, nil
	}
	return typed, true, nil
}

// RecordEvent adds an event occurrence. The events are flushed once the
// buffer reaches events_threshold, on the update timer, or on Flush.
func (a *Agent) RecordEvent(ctx context.Context, key string, segmentation map[string]any, count int, sum, duration float64) error {
	events, ok, err := module[*modules.Events](a, orchestrator.FeatureEvents)
	if !ok {
		return err
	}
	return events.Record(ctx, key, segmentation, count, sum, duration)
}

// BeginSession starts a session.
func (a *Agent) BeginSession(ctx context.Context) error {
	sessions, ok, err := module[*modules.Sessions](a, orchestrator.FeatureSessions)
	if !ok {
		return err
	}
	return sessions.Begin(ctx)
}

// UpdateSession reports the running session's duration.
func (a *Agent) UpdateSession(ctx context.Context) error {
	sessions, ok, err := module[*modules.Sessions](a, orchestrator.FeatureSessions)
	if !ok {
		return err
	}
	return sessions.Update(ctx)
}

// EndSession ends the running session.
func (a *Agent) EndSession(ctx context.Context) error {
	sessions, ok, err := module[*modules.Sessions](a, orchestrator.FeatureSessions)
	if !ok {
		return err
	}
	return sessions.End(ctx)
}

// SetUserProperty stages a user profile property, sent with the next
// flush.
func (a *Agent) SetUserProperty(key string, value any) error {
	users, ok, err := module[*modules.Users](a, orchestrator.FeatureUserProfiles)
	if !ok {
		return err
	}
	return users.Set(key, value)
}

// RecordCrash reports a crash. A fatal crash is kept on disk and sent
// after the next Start.
func (a *Agent) RecordCrash(ctx context.Context, crash modules.Crash) error {
	crashes, ok, err := module[*modules.Crashes](a, orchestrator.FeatureCrashes)
	if !ok {
		return err
	}
	return crashes.Record(ctx, crash)
}

// SetLocation reports the device location.
func (a *Agent) SetLocation(ctx context.Context, latitude, longitude float64) error {
	location, ok, err := module[*modules.Location](a, orchestrator.FeatureLocation)
	if !ok {
		return err
	}
	return location.Set(ctx, latitude, longitude)
}

// DisableLocation tells the collector to stop using location data.
func (a *Agent) DisableLocation(ctx context.Context) error {
	location, ok, err := module[*modules.Location](a, orchestrator.FeatureLocation)
	if !ok {
		return err
	}
	return location.Disable(ctx)
}

// SetPushToken associates a push token with the device.
func (a *Agent) SetPushToken(ctx context.Context, token string) error {
	return a.associate(ctx, orchestrator.FeaturePush, identity.RealmPushToken, token)
}

// SetAdvertisingID associates an advertising id with the device.
func (a *Agent) SetAdvertisingID(ctx context.Context, id string) error {
	return a.associate(ctx, orchestrator.FeatureAttribution, identity.RealmAdvertisingID, id)
}

func (a *Agent) associate(ctx context.Context, feature orchestrator.Feature, realm identity.Realm, id string) error {
	if err := a.live(); err != nil {
		return err
	}
	if !a.orchestrator.Enabled(feature) {
		a.logger.Debug("ignoring signal without consent", zap.Stringer("feature", feature))
		return nil
	}
	return a.resolver.Change(ctx, identity.DID{Realm: realm, Strategy: identity.StrategyCustom, ID: id})
}

// ChangeDeviceID switches to a caller-supplied device id. With merge the
// collector folds the old device's data into the new id; without it the
// new id starts as a new user.
func (a *Agent) ChangeDeviceID(ctx context.Context, deviceID string, merge bool) error {
	if err := a.live(); err != nil {
		return err
	}
	changer, ok := modules.Lookup[*modules.DeviceID](a.orchestrator, orchestrator.FeatureDeviceID)
	if !ok {
		return errors.New("agent: device id module is not available")
	}
	return changer.Change(ctx, deviceID, merge)
}

// DeviceID returns the primary device id, or "" while it is being
// resolved.
func (a *Agent) DeviceID() string {
	return a.resolver.CurrentID(identity.RealmDeviceID)
}

// SetConsent grants or revokes consent for features. Revoking drops the
// features' queued data.
func (a *Agent) SetConsent(ctx context.Context, features orchestrator.Feature, granted bool) error {
	if err := a.live(); err != nil {
		return err
	}
	return a.orchestrator.SetEnabled(ctx, features, granted)
}

// Consent returns the consent features currently granted.
func (a *Agent) Consent() orchestrator.Feature {
	return a.orchestrator.EnabledFeatures() & orchestrator.ConsentFeatures
}

// Flush writes everything pending into one request and wakes delivery.
func (a *Agent) Flush(ctx context.Context) error {
	if err := a.live(); err != nil {
		return err
	}
	err := a.orchestrator.Flush(ctx, orchestrator.ReasonExplicit)
	a.engine.Tick()
	return err
}

// ConnectivityRestored cancels the delivery backoff and retries now.
func (a *Agent) ConnectivityRestored() {
	if a.live() == nil {
		a.engine.ResetBackoff()
	}
}

// Stats returns the delivery counters.
func (a *Agent) Stats() delivery.Stats {
	return a.engine.Stats()
}

// Queued returns the ids of the requests waiting for delivery.
func (a *Agent) Queued(ctx context.Context) ([]int64, error) {
	if err := a.live(); err != nil {
		return nil, err
	}
	return a.store.List(ctx, queuestore.PrefixRequest, 0)
}
