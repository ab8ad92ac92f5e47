// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Generator produces identifiers for one strategy.
type Generator interface {
	// Available reports whether Generate can succeed on this host.
	Available() bool

	// Generate returns an id for realm, or "" when it has none.
	Generate(ctx context.Context, realm Realm) (string, error)
}

// Registry maps strategies to generators. Registration order is the
// fallback priority order. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	generators map[Strategy]Generator
	order      []Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[Strategy]Generator)}
}

// DefaultRegistry registers the built-in generators: custom (when
// customID is set), platform, and uuid.
func DefaultRegistry(appKey, customID string) *Registry {
	registry := NewRegistry()
	if customID != "" {
		registry.Register(StrategyCustom, CustomGenerator{ID: customID})
	}
	registry.Register(StrategyPlatform, &MachineGenerator{AppKey: appKey})
	registry.Register(StrategyUUID, UUIDGenerator{})
	return registry
}

// Register adds or replaces the generator for strategy. Replacing keeps
// the original priority.
func (r *Registry) Register(strategy Strategy, generator Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.generators[strategy]; !exists {
		r.order = append(r.order, strategy)
	}
	r.generators[strategy] = generator
}

// Lookup returns the generator for strategy.
func (r *Registry) Lookup(strategy Strategy) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	generator, ok := r.generators[strategy]
	return generator, ok
}

// Strategies returns the registered strategies in priority order.
func (r *Registry) Strategies() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Strategy(nil), r.order...)
}

// UUIDGenerator returns random version 4 UUIDs. Always available.
type UUIDGenerator struct{}

func (UUIDGenerator) Available() bool { return true }

func (UUIDGenerator) Generate(context.Context, Realm) (string, error) {
	return uuid.NewString(), nil
}

// CustomGenerator returns a fixed, caller-supplied id.
type CustomGenerator struct {
	ID string
}

func (g CustomGenerator) Available() bool { return g.ID != "" }

func (g CustomGenerator) Generate(context.Context, Realm) (string, error) {
	return g.ID, nil
}

// DefaultMachineIDPath is the systemd machine id file.
const DefaultMachineIDPath = "/etc/machine-id"

// MachineGenerator derives a stable device id from the host's machine
// id. The raw machine id is hashed with a BLAKE3 key derived from the
// app key, so two apps on one host get unrelated ids and the machine id
// itself is never sent. Only the primary device realm is supported.
type MachineGenerator struct {
	// Path defaults to DefaultMachineIDPath.
	Path   string
	AppKey string
}

func (g *MachineGenerator) path() string {
	if g.Path == "" {
		return DefaultMachineIDPath
	}
	return g.Path
}

func (g *MachineGenerator) Available() bool {
	machineID, err := g.read()
	return err == nil && machineID != ""
}

func (g *MachineGenerator) Generate(ctx context.Context, realm Realm) (string, error) {
	if realm != RealmDeviceID {
		return "", nil
	}
	machineID, err := g.read()
	if err != nil {
		return "", err
	}
	if machineID == "" {
		return "", nil
	}

	key := blake3.Sum256([]byte("tally device id v1\x00" + g.AppKey))
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return "", fmt.Errorf("initializing keyed hash: %w", err)
	}
	hasher.Write([]byte(machineID))
	return hex.EncodeToString(hasher.Sum(nil)[:16]), nil
}

func (g *MachineGenerator) read() (string, error) {
	data, err := os.ReadFile(g.path())
	if err != nil {
		return "", fmt.Errorf("reading machine id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
