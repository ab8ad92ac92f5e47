// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/tally/lib/codec"
	"github.com/bureau-foundation/tally/lib/queuestore"
)

var (
	// ErrUnresolvable is returned when the preferred strategy produced
	// no id and fallback was not allowed.
	ErrUnresolvable = errors.New("identity: device id unresolvable")

	// ErrStopped is returned once the resolver has been stopped.
	ErrStopped = errors.New("identity: resolver stopped")
)

// Listener is told about every committed identity change. old is nil
// for a realm's first id.
type Listener interface {
	OnDeviceID(ctx context.Context, old, new *DID) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, old, new *DID) error

func (f ListenerFunc) OnDeviceID(ctx context.Context, old, new *DID) error {
	return f(ctx, old, new)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Store persists resolved ids under the did prefix. Nil keeps ids in
	// memory only.
	Store queuestore.Store

	// Registry defaults to a registry holding only UUIDGenerator.
	Registry *Registry

	Logger *zap.Logger
}

// Resolver owns the current DID of every realm.
type Resolver struct {
	store    queuestore.Store
	registry *Registry
	logger   *zap.Logger
	group    singleflight.Group

	mu       sync.Mutex
	current  map[Realm]*DID
	states   map[Realm]State
	listener Listener
	stopped  bool

	// commitMu orders persist + broadcast so listeners see changes in
	// commit order.
	commitMu sync.Mutex
}

// Result is delivered by AcquireAsync.
type Result struct {
	DID *DID
	Err error
}

// NewResolver returns a resolver with every realm Unresolved.
func NewResolver(cfg ResolverConfig) *Resolver {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
		registry.Register(StrategyUUID, UUIDGenerator{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    cfg.Store,
		registry: registry,
		logger:   logger.With(zap.String("component", "identity")),
		current:  make(map[Realm]*DID),
		states:   make(map[Realm]State),
	}
}

// SetListener installs the change listener. Replaces any previous one.
func (r *Resolver) SetListener(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = listener
}

// Registry returns the generator registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Acquire returns the realm's current id, resolving one if needed.
// Callers racing on one realm share a single generator run.
func (r *Resolver) Acquire(ctx context.Context, realm Realm, preferred Strategy, allowFallback bool) (*DID, error) {
	return r.acquire(ctx, realm, preferred, allowFallback, false)
}

// AcquireAsync runs Acquire on another goroutine. The channel receives
// exactly one Result.
func (r *Resolver) AcquireAsync(ctx context.Context, realm Realm, preferred Strategy, allowFallback bool) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		did, err := r.Acquire(ctx, realm, preferred, allowFallback)
		results <- Result{DID: did, Err: err}
	}()
	return results
}

// Reset discards the realm's id and resolves a new one, broadcasting
// the change.
func (r *Resolver) Reset(ctx context.Context, realm Realm, preferred Strategy, allowFallback bool) (*DID, error) {
	return r.acquire(ctx, realm, preferred, allowFallback, true)
}

func (r *Resolver) acquire(ctx context.Context, realm Realm, preferred Strategy, allowFallback, replace bool) (*DID, error) {
	if _, ok := recordID(realm); !ok {
		return nil, fmt.Errorf("identity: unknown realm %q", realm)
	}

	groupKey := string(realm)
	if replace {
		groupKey = "reset:" + groupKey
	}
	// The shared run outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	result, err, _ := r.group.Do(groupKey, func() (any, error) {
		return r.resolve(shared, realm, preferred, allowFallback, replace)
	})
	if err != nil {
		return nil, err
	}
	did := *result.(*DID)
	return &did, nil
}

func (r *Resolver) resolve(ctx context.Context, realm Realm, preferred Strategy, allowFallback, replace bool) (*DID, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	if existing := r.current[realm]; existing != nil && !replace {
		r.mu.Unlock()
		return existing, nil
	}
	r.states[realm] = Resolving
	r.mu.Unlock()

	did, err := r.generate(ctx, realm, preferred, allowFallback)
	if err != nil {
		r.mu.Lock()
		if r.current[realm] != nil {
			r.states[realm] = Resolved
		} else {
			r.states[realm] = Unresolved
		}
		r.mu.Unlock()
		return nil, err
	}
	if err := r.commit(ctx, did); err != nil {
		return nil, err
	}
	return did, nil
}

// generate walks the strategies: preferred, the rest of the registry in
// priority order, then a random UUID.
func (r *Resolver) generate(ctx context.Context, realm Realm, preferred Strategy, allowFallback bool) (*DID, error) {
	if id, ok := r.try(ctx, preferred, realm); ok {
		return &DID{Realm: realm, Strategy: preferred, ID: id}, nil
	}
	if !allowFallback {
		return nil, fmt.Errorf("%w: %s via %s", ErrUnresolvable, realm, preferred)
	}

	for _, strategy := range r.registry.Strategies() {
		if strategy == preferred || strategy == StrategyUUID {
			continue
		}
		if id, ok := r.try(ctx, strategy, realm); ok {
			return &DID{Realm: realm, Strategy: strategy, ID: id}, nil
		}
	}

	r.logger.Info("falling back to random device id",
		zap.String("realm", string(realm)),
		zap.String("preferred", string(preferred)))
	return &DID{Realm: realm, Strategy: StrategyFallback, ID: uuid.NewString()}, nil
}

func (r *Resolver) try(ctx context.Context, strategy Strategy, realm Realm) (string, bool) {
	generator, ok := r.registry.Lookup(strategy)
	if !ok || !generator.Available() {
		return "", false
	}
	id, err := generator.Generate(ctx, realm)
	if err != nil {
		r.logger.Warn("device id generator failed",
			zap.String("strategy", string(strategy)),
			zap.String("realm", string(realm)),
			zap.Error(err))
		return "", false
	}
	return id, id != ""
}

// Change installs an externally supplied id with the same persistence
// and broadcast as a resolved one. An empty Strategy means
// StrategyCustom.
func (r *Resolver) Change(ctx context.Context, did DID) error {
	if _, ok := recordID(did.Realm); !ok {
		return fmt.Errorf("identity: unknown realm %q", did.Realm)
	}
	if did.ID == "" {
		return fmt.Errorf("identity: empty id for realm %s", did.Realm)
	}
	if did.Strategy == "" {
		did.Strategy = StrategyCustom
	}
	return r.commit(ctx, &did)
}

// commit makes did current, persists it and tells the listener.
// Committing the current value again changes nothing.
func (r *Resolver) commit(ctx context.Context, did *DID) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.logger.Debug("discarding device id resolved after stop", zap.String("realm", string(did.Realm)))
		return ErrStopped
	}
	old := r.current[did.Realm]
	r.states[did.Realm] = Resolved
	if old != nil && *old == *did {
		r.mu.Unlock()
		return nil
	}
	r.current[did.Realm] = did
	listener := r.listener
	r.mu.Unlock()

	r.persist(ctx, did)

	r.logger.Info("device id changed",
		zap.String("realm", string(did.Realm)),
		zap.String("strategy", string(did.Strategy)))
	if listener == nil {
		return nil
	}
	var oldCopy *DID
	if old != nil {
		copied := *old
		oldCopy = &copied
	}
	newCopy := *did
	if err := listener.OnDeviceID(ctx, oldCopy, &newCopy); err != nil {
		r.logger.Warn("device id listener failed", zap.Error(err))
	}
	return nil
}

func (r *Resolver) persist(ctx context.Context, did *DID) {
	if r.store == nil {
		return
	}
	id, _ := recordID(did.Realm)
	data, err := codec.Marshal(did)
	if err == nil {
		err = r.store.Write(ctx, queuestore.Key{Prefix: queuestore.PrefixDID, ID: id}, data)
	}
	if err != nil {
		r.logger.Error("persisting device id failed; keeping it in memory",
			zap.String("realm", string(did.Realm)),
			zap.Error(err))
	}
}

// Load restores persisted ids. Restored realms are Resolved and nothing
// is broadcast. Realms already resolved in memory are left alone.
func (r *Resolver) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	ids, err := r.store.List(ctx, queuestore.PrefixDID, 0)
	if err != nil {
		return fmt.Errorf("listing device ids: %w", err)
	}

	for _, id := range ids {
		key := queuestore.Key{Prefix: queuestore.PrefixDID, ID: id}
		data, ok := r.store.Read(ctx, key)
		if !ok {
			continue
		}
		var did DID
		if err := codec.Unmarshal(data, &did); err != nil {
			r.logger.Warn("discarding undecodable device id record", zap.Stringer("key", key), zap.Error(err))
			continue
		}
		if expected, known := recordID(did.Realm); !known || expected != id || did.ID == "" {
			r.logger.Warn("discarding inconsistent device id record", zap.Stringer("key", key))
			continue
		}

		r.mu.Lock()
		if r.current[did.Realm] == nil {
			restored := did
			r.current[did.Realm] = &restored
			r.states[did.Realm] = Resolved
		}
		r.mu.Unlock()
	}
	return nil
}

// Current returns a copy of the realm's id, or nil.
func (r *Resolver) Current(realm Realm) *DID {
	r.mu.Lock()
	defer r.mu.Unlock()
	did := r.current[realm]
	if did == nil {
		return nil
	}
	copied := *did
	return &copied
}

// CurrentID returns the realm's id string, or "".
func (r *Resolver) CurrentID(realm Realm) string {
	if did := r.Current(realm); did != nil {
		return did.ID
	}
	return ""
}

// State returns the realm's resolution state.
func (r *Resolver) State(realm Realm) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[realm]
}

// Stop discards the results of every later or in-flight resolution.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}
