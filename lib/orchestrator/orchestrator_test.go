// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/identity"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
)

// stubModule is a configurable module built on Base.
type stubModule struct {
	Base
	feature    Feature
	vote       Vote
	contribute func(FlushReason, request.Params) error
	acquired   atomic.Int32
	stopped    atomic.Int32
	restored   []request.Params
	consent    []Feature
	granted    []bool
}

func (m *stubModule) Feature() Feature { return m.feature }

func (m *stubModule) OnContextAcquired(context.Context, Host) error {
	m.acquired.Add(1)
	return nil
}

func (m *stubModule) OnRequest(context.Context, *request.Request) Vote { return m.vote }

func (m *stubModule) Stop(context.Context) error {
	m.stopped.Add(1)
	return nil
}

func (m *stubModule) Contribute(_ context.Context, reason FlushReason, params request.Params) error {
	if m.contribute == nil {
		return nil
	}
	return m.contribute(reason, params)
}

func (m *stubModule) Restore(_ context.Context, params request.Params) {
	m.restored = append(m.restored, params)
}

func (m *stubModule) OnConsentChanged(_ context.Context, changed Feature, granted bool) error {
	m.consent = append(m.consent, changed)
	m.granted = append(m.granted, granted)
	return nil
}

// mockModule records broadcasts with testify.
type mockModule struct {
	mock.Mock
	feature Feature
}

func (m *mockModule) Feature() Feature { return m.feature }

func (m *mockModule) OnContextAcquired(_ context.Context, host Host) error {
	return m.Called().Error(0)
}

func (m *mockModule) OnDeviceID(_ context.Context, old, new *identity.DID) error {
	return m.Called(old, new).Error(0)
}

func (m *mockModule) OnRequest(_ context.Context, req *request.Request) Vote {
	return m.Called(req).Get(0).(Vote)
}

func (m *mockModule) OnUserChanged(context.Context) error {
	return m.Called().Error(0)
}

func (m *mockModule) Stop(context.Context) error {
	return m.Called().Error(0)
}

func moduleFactory(module Module) Factory {
	return func(Host) (Module, error) { return module, nil }
}

// testRegistry registers stub internal modules plus modules.
func testRegistry(modules ...Module) *Registry {
	registry := NewRegistry()
	registry.Register(FeatureDeviceID, moduleFactory(&stubModule{feature: FeatureDeviceID}))
	registry.Register(FeatureConsent, moduleFactory(&stubModule{feature: FeatureConsent}))
	for _, module := range modules {
		registry.Register(module.Feature(), moduleFactory(module))
	}
	return registry
}

type harness struct {
	store queuestore.Store
	clock *clock.FakeClock
	ticks atomic.Int32
}

func newOrchestrator(t *testing.T, registry *Registry, mutate func(*Config)) (*Orchestrator, *harness) {
	t.Helper()
	store, err := queuestore.NewFileStore(queuestore.FileConfig{Directory: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store, clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))}
	resolver := identity.NewResolver(identity.ResolverConfig{Store: store, Logger: zap.NewNop()})
	cfg := Config{
		Registry: registry,
		Enabled:  ConsentFeatures,
		Agent:    config.Default(),
		Clock:    h.clock,
		Logger:   zap.NewNop(),
		Store:    store,
		Identity: resolver,
		Builder: request.NewBuilder(request.BuilderConfig{
			Clock:    h.clock,
			AppKey:   "app",
			DeviceID: func() string { return resolver.CurrentID(identity.RealmDeviceID) },
		}),
		Tick: func() { h.ticks.Add(1) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o, h
}

func (h *harness) queued(t *testing.T) []*request.Request {
	t.Helper()
	ctx := context.Background()
	ids, err := h.store.List(ctx, queuestore.PrefixRequest, 0)
	require.NoError(t, err)
	var requests []*request.Request
	for _, id := range ids {
		data, ok := h.store.Read(ctx, queuestore.Key{Prefix: queuestore.PrefixRequest, ID: id})
		require.True(t, ok)
		req, err := request.Unmarshal(data)
		require.NoError(t, err)
		requests = append(requests, req)
	}
	return requests
}

func testMode(cfg *Config) {
	agent := config.Default()
	agent.TestMode = true
	cfg.Agent = agent
}

func TestNewRejectsBadRegistries(t *testing.T) {
	missingInternal := NewRegistry()
	missingInternal.Register(FeatureEvents, moduleFactory(&stubModule{feature: FeatureEvents}))
	assert.ErrorContains(t, missingInternal.Validate(), "internal feature deviceid is not registered")

	unknown := testRegistry()
	unknown.Register(Feature(1<<20), moduleFactory(&stubModule{}))
	assert.ErrorContains(t, unknown.Validate(), "unknown feature")

	nilFactory := testRegistry()
	nilFactory.Register(FeatureEvents, nil)
	assert.ErrorContains(t, nilFactory.Validate(), "nil factory")

	registry := testRegistry()
	assert.Error(t, registry.Override(FeatureEvents|FeatureSessions, moduleFactory(&stubModule{})))
	assert.Error(t, registry.Override(FeatureEvents, nil))
	require.NoError(t, registry.Override(FeatureEvents, moduleFactory(&stubModule{feature: FeatureSessions})))

	_, err := New(Config{Registry: registry})
	assert.Error(t, err)
}

func TestNewRejectsMismatchedModule(t *testing.T) {
	registry := testRegistry()
	registry.Register(FeatureEvents, moduleFactory(&stubModule{feature: FeatureSessions}))

	store, err := queuestore.NewFileStore(queuestore.FileConfig{Directory: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()
	fake := clock.Fake(time.Now())
	_, err = New(Config{
		Registry: registry,
		Clock:    fake,
		Store:    store,
		Identity: identity.NewResolver(identity.ResolverConfig{}),
		Builder:  request.NewBuilder(request.BuilderConfig{Clock: fake}),
	})
	assert.ErrorContains(t, err, "another feature")
}

func TestModulesCreatedInRegistrationOrder(t *testing.T) {
	events := &stubModule{feature: FeatureEvents}
	sessions := &stubModule{feature: FeatureSessions}
	o, _ := newOrchestrator(t, testRegistry(events, sessions), nil)

	assert.Equal(t, FeatureSessions|FeatureEvents|InternalFeatures, o.Features())
	module, ok := o.Module(FeatureSessions)
	require.True(t, ok)
	assert.Same(t, sessions, module)
	var order []Feature
	for _, module := range o.modules {
		order = append(order, module.Feature())
	}
	assert.Equal(t, []Feature{FeatureDeviceID, FeatureConsent, FeatureEvents, FeatureSessions}, order)
	_, ok = o.Module(FeaturePush)
	assert.False(t, ok)
}

func TestBroadcastFollowsRegistrationOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []Feature
	recorder := func(feature Feature) *mockModule {
		module := &mockModule{feature: feature}
		module.On("OnUserChanged").Run(func(mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, feature)
		}).Return(nil)
		return module
	}
	location, sessions, events := recorder(FeatureLocation), recorder(FeatureSessions), recorder(FeatureEvents)
	o, _ := newOrchestrator(t, testRegistry(location, sessions, events), nil)

	require.NoError(t, o.UserChanged(context.Background()))
	assert.Equal(t, []Feature{FeatureLocation, FeatureSessions, FeatureEvents}, seen)
}

func TestOverrideKeepsRegistrationPosition(t *testing.T) {
	registry := testRegistry(&stubModule{feature: FeatureEvents}, &stubModule{feature: FeatureSessions})
	replacement := &stubModule{feature: FeatureEvents}
	require.NoError(t, registry.Override(FeatureEvents, moduleFactory(replacement)))

	assert.Equal(t, []Feature{FeatureDeviceID, FeatureConsent, FeatureEvents, FeatureSessions}, registry.Order())
	o, _ := newOrchestrator(t, registry, nil)
	module, ok := o.Module(FeatureEvents)
	require.True(t, ok)
	assert.Same(t, replacement, module)
}

func TestFeatureSelectionSkipsUnselected(t *testing.T) {
	events := &stubModule{feature: FeatureEvents}
	sessions := &stubModule{feature: FeatureSessions}
	o, _ := newOrchestrator(t, testRegistry(events, sessions), func(cfg *Config) {
		cfg.Features = FeatureEvents
	})
	assert.Equal(t, FeatureEvents|InternalFeatures, o.Features())
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	for _, strict := range []bool{false, true} {
		name := "logged"
		if strict {
			name = "test mode"
		}
		t.Run(name, func(t *testing.T) {
			panicking := &mockModule{feature: FeatureSessions}
			failing := &mockModule{feature: FeatureEvents}
			healthy := &mockModule{feature: FeatureCrashes}
			did := &identity.DID{Realm: identity.RealmDeviceID, Strategy: identity.StrategyUUID, ID: "new"}

			panicking.On("OnDeviceID", (*identity.DID)(nil), did).Panic("boom").Once()
			failing.On("OnDeviceID", (*identity.DID)(nil), did).Return(errors.New("disk full")).Once()
			healthy.On("OnDeviceID", (*identity.DID)(nil), did).Return(nil).Once()

			var mutate func(*Config)
			if strict {
				mutate = testMode
			}
			o, _ := newOrchestrator(t, testRegistry(panicking, failing, healthy), mutate)

			err := o.OnDeviceID(context.Background(), nil, did)
			if strict {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "boom")
				assert.Contains(t, err.Error(), "disk full")
			} else {
				assert.NoError(t, err)
			}
			panicking.AssertExpectations(t)
			failing.AssertExpectations(t)
			healthy.AssertExpectations(t)
		})
	}
}

func TestDisabledModulesReceiveNothing(t *testing.T) {
	location := &mockModule{feature: FeatureLocation}
	o, _ := newOrchestrator(t, testRegistry(location), func(cfg *Config) {
		cfg.Enabled = FeatureEvents
	})

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.UserChanged(context.Background()))
	assert.Equal(t, VoteAbstain, o.CheckRequest(context.Background(), &request.Request{ID: 1}))
	location.AssertNotCalled(t, "OnContextAcquired")
	location.AssertNotCalled(t, "OnUserChanged")
	assert.False(t, o.Enabled(FeatureLocation))
	assert.True(t, o.Enabled(FeatureDeviceID|FeatureConsent))
}

func TestCheckRequestAggregatesVotes(t *testing.T) {
	req := &request.Request{ID: 42, Params: request.Params{"events": "[]"}}

	sender := &mockModule{feature: FeatureSessions}
	sender.On("OnRequest", req).Return(VoteSend)
	abstainer := &mockModule{feature: FeatureEvents}
	abstainer.On("OnRequest", req).Return(VoteAbstain)
	o, _ := newOrchestrator(t, testRegistry(sender, abstainer), nil)
	assert.Equal(t, VoteSend, o.CheckRequest(context.Background(), req))

	dropper := &mockModule{feature: FeatureCrashes}
	dropper.On("OnRequest", req).Return(VoteDrop)
	panicker := &mockModule{feature: FeatureUserProfiles}
	panicker.On("OnRequest", req).Panic("vote panic")
	o, _ = newOrchestrator(t, testRegistry(sender, panicker, dropper), nil)
	assert.Equal(t, VoteDrop, o.CheckRequest(context.Background(), req))

	o, _ = newOrchestrator(t, testRegistry(panicker), nil)
	assert.Equal(t, VoteAbstain, o.CheckRequest(context.Background(), req), "a panicking voter abstains")
}

func TestFlushMergesContributions(t *testing.T) {
	sessions := &stubModule{feature: FeatureSessions, contribute: func(reason FlushReason, params request.Params) error {
		params[request.ParamSessionDuration] = "30"
		return nil
	}}
	events := &stubModule{feature: FeatureEvents, contribute: func(reason FlushReason, params request.Params) error {
		assert.Equal(t, ReasonTimer, reason)
		params[request.ParamEvents] = `[{"key":"a","count":1}]`
		return nil
	}}
	idle := &stubModule{feature: FeatureUserProfiles}
	o, h := newOrchestrator(t, testRegistry(sessions, events, idle), nil)

	require.NoError(t, o.Flush(context.Background(), ReasonTimer))

	queued := h.queued(t)
	require.Len(t, queued, 1, "one merged request")
	assert.Equal(t, "30", queued[0].Params[request.ParamSessionDuration])
	assert.Equal(t, `[{"key":"a","count":1}]`, queued[0].Params[request.ParamEvents])
	assert.True(t, queued[0].IsPending(), "no device id resolved yet")
	assert.Equal(t, int32(1), h.ticks.Load())
}

func TestFlushWithoutContributionsWritesNothing(t *testing.T) {
	o, h := newOrchestrator(t, testRegistry(&stubModule{feature: FeatureEvents}), nil)
	require.NoError(t, o.Flush(context.Background(), ReasonExplicit))
	assert.Empty(t, h.queued(t))
	assert.Zero(t, h.ticks.Load())
}

func TestFlushRestoresOnWriteFailure(t *testing.T) {
	events := &stubModule{feature: FeatureEvents, contribute: func(_ FlushReason, params request.Params) error {
		params[request.ParamEvents] = "[1]"
		return nil
	}}
	o, h := newOrchestrator(t, testRegistry(events), nil)
	require.NoError(t, h.store.Close())

	err := o.Flush(context.Background(), ReasonThreshold)
	require.Error(t, err)
	require.Len(t, events.restored, 1)
	assert.Equal(t, request.Params{request.ParamEvents: "[1]"}, events.restored[0])
}

func TestFlushContributorErrorsInTestMode(t *testing.T) {
	broken := &stubModule{feature: FeatureEvents, contribute: func(FlushReason, request.Params) error {
		return errors.New("cannot serialize")
	}}
	o, _ := newOrchestrator(t, testRegistry(broken), testMode)
	assert.ErrorContains(t, o.Flush(context.Background(), ReasonExplicit), "cannot serialize")
}

func TestSetEnabled(t *testing.T) {
	location := &stubModule{feature: FeatureLocation}
	events := &stubModule{feature: FeatureEvents}
	o, _ := newOrchestrator(t, testRegistry(location, events), func(cfg *Config) {
		cfg.Enabled = FeatureEvents
	})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, int32(1), events.acquired.Load())
	assert.Zero(t, location.acquired.Load())

	require.NoError(t, o.SetEnabled(ctx, FeatureLocation|FeatureDeviceID, true))
	assert.Equal(t, int32(1), location.acquired.Load(), "newly enabled module acquires context")
	assert.Equal(t, int32(1), events.acquired.Load())
	assert.Equal(t, []Feature{FeatureLocation}, events.consent, "internal features are not consent-switchable")
	assert.Equal(t, []bool{true}, events.granted)

	require.NoError(t, o.SetEnabled(ctx, FeatureLocation, true), "granting again is a no-op")
	assert.Len(t, events.consent, 1)

	require.NoError(t, o.SetEnabled(ctx, FeatureLocation|FeatureEvents, false))
	assert.False(t, o.Enabled(FeatureEvents))
	assert.Equal(t, []Feature{FeatureLocation, FeatureLocation | FeatureEvents}, events.consent, "revoked observers still hear")
	assert.Equal(t, []bool{true, false}, location.granted)
}

func TestStopFlushesAndStopsEveryModule(t *testing.T) {
	events := &stubModule{feature: FeatureEvents, contribute: func(reason FlushReason, params request.Params) error {
		if reason == ReasonStop {
			params[request.ParamEvents] = "[final]"
		}
		return nil
	}}
	disabled := &stubModule{feature: FeaturePush}
	o, h := newOrchestrator(t, testRegistry(events, disabled), func(cfg *Config) {
		cfg.Enabled = FeatureEvents
	})

	require.NoError(t, o.Stop(context.Background()))
	require.NoError(t, o.Stop(context.Background()), "second stop is a no-op")

	queued := h.queued(t)
	require.Len(t, queued, 1)
	assert.Equal(t, "[final]", queued[0].Params[request.ParamEvents])
	assert.Equal(t, int32(1), events.stopped.Load())
	assert.Equal(t, int32(1), disabled.stopped.Load())
}

func TestFeatureNames(t *testing.T) {
	assert.Equal(t, "sessions|events", (FeatureSessions | FeatureEvents).String())
	assert.Equal(t, "none", Feature(0).String())
	assert.Equal(t, []string{"crashes", "location"}, (FeatureLocation | FeatureCrashes).Names())

	set, err := ParseFeatures([]string{"users", "push"})
	require.NoError(t, err)
	assert.Equal(t, FeatureUserProfiles|FeaturePush, set)
	_, err = ParseFeature("telemetry")
	assert.Error(t, err)

	assert.True(t, FeatureConsent.Single())
	assert.False(t, (FeatureConsent | FeatureEvents).Single())
	assert.False(t, Feature(1<<30).Single())
}
