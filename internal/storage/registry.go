package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/util"
)

// Engine names a storage implementation selectable from configuration.
type Engine string

const (
	EngineRedis    Engine = "redis"
	EngineMemory   Engine = "memory"
	EngineScylla   Engine = "scylla"
	EngineDynamoDB Engine = "dynamodb"
)

type (
	VolatileConstructor   func(ctx context.Context) (VolatileBackend, error)
	PersistentConstructor func(ctx context.Context) (PersistentBackend, error)
)

// Registry maps engine names to constructors for each tier. Constructors run
// at most once per engine, so an engine chosen for both tiers is shared.
type Registry struct {
	mu         sync.Mutex
	volatile   map[Engine]VolatileConstructor
	persistent map[Engine]PersistentConstructor
	opened     map[Engine]any
}

func NewRegistry() *Registry {
	return &Registry{
		volatile:   make(map[Engine]VolatileConstructor),
		persistent: make(map[Engine]PersistentConstructor),
		opened:     make(map[Engine]any),
	}
}

func (r *Registry) RegisterVolatile(e Engine, c VolatileConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volatile[e] = c
}

func (r *Registry) RegisterPersistent(e Engine, c PersistentConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistent[e] = c
}

// Open builds a TieredStore from the named engines.
func (r *Registry) Open(ctx context.Context, volatile, persistent string, opts Options) (*TieredStore, error) {
	v, err := r.openVolatile(ctx, Engine(strings.ToLower(volatile)))
	if err != nil {
		return nil, err
	}
	p, err := r.openPersistent(ctx, Engine(strings.ToLower(persistent)))
	if err != nil {
		r.discard(Engine(strings.ToLower(volatile)), v)
		return nil, err
	}
	return NewTieredStore(v, p, opts), nil
}

// Engines lists registered engine names per tier, sorted.
func (r *Registry) Engines() (volatile, persistent []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := range r.volatile {
		volatile = append(volatile, string(e))
	}
	for e := range r.persistent {
		persistent = append(persistent, string(e))
	}
	sort.Strings(volatile)
	sort.Strings(persistent)
	return volatile, persistent
}

// discard closes a backend opened for a store that could not be completed.
func (r *Registry) discard(e Engine, b VolatileBackend) {
	r.mu.Lock()
	delete(r.opened, e)
	r.mu.Unlock()

	if err := b.Close(); err != nil {
		util.Warn("Failed to close storage backend", zap.String("engine", string(e)), zap.Error(err))
	}
}

func (r *Registry) openVolatile(ctx context.Context, e Engine) (VolatileBackend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.opened[e].(VolatileBackend); ok {
		return b, nil
	}
	ctor, ok := r.volatile[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q cannot serve the volatile tier", errs.ErrUnknownEngine, e)
	}
	b, err := ctor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s volatile backend: %w", e, err)
	}
	r.opened[e] = b
	return b, nil
}

func (r *Registry) openPersistent(ctx context.Context, e Engine) (PersistentBackend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.opened[e].(PersistentBackend); ok {
		return b, nil
	}
	ctor, ok := r.persistent[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q cannot serve the persistent tier", errs.ErrUnknownEngine, e)
	}
	b, err := ctor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s persistent backend: %w", e, err)
	}
	r.opened[e] = b
	return b, nil
}
