package delivery

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"msisdn-gateway/internal/util"
)

// Builder produces a fresh provider list in priority order.
type Builder func() []Provider

// ProviderRegistry publishes immutable provider lists. Readers load the
// current list without locking; rotation and rebuild swap in a new one.
type ProviderRegistry struct {
	build   Builder
	current *atomic.Pointer[[]Provider]
}

func NewProviderRegistry(build Builder) *ProviderRegistry {
	r := &ProviderRegistry{build: build, current: atomic.NewPointer[[]Provider](nil)}
	r.Rebuild()
	return r
}

// Rebuild restores configuration order, undoing any rotation.
func (r *ProviderRegistry) Rebuild() {
	providers := r.build()
	r.current.Store(&providers)

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	util.Debug("SMS provider order rebuilt", zap.Strings("providers", names))
}

// Snapshot returns the current list. Callers must not modify it.
func (r *ProviderRegistry) Snapshot() []Provider {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Head returns the provider to try next, or nil when none is configured.
func (r *ProviderRegistry) Head() Provider {
	s := r.Snapshot()
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// Next returns the first provider of the current list whose name is not
// in skip. When every provider was skipped it falls back to Head.
func (r *ProviderRegistry) Next(skip map[string]bool) Provider {
	s := r.Snapshot()
	for _, p := range s {
		if !skip[p.Name()] {
			return p
		}
	}
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// Demote moves the provider named like failed to the back if it is still
// at the front. Names are compared, not instances, so a list rebuilt while
// failed was in flight is rotated too. A lone provider stays where it is.
// Concurrent demotions of the same head rotate once.
func (r *ProviderRegistry) Demote(failed Provider) {
	name := failed.Name()
	for {
		cur := r.current.Load()
		if cur == nil || len(*cur) <= 1 || (*cur)[0].Name() != name {
			return
		}
		rotated := make([]Provider, 0, len(*cur))
		rotated = append(rotated, (*cur)[1:]...)
		rotated = append(rotated, (*cur)[0])
		if r.current.CompareAndSwap(cur, &rotated) {
			util.Info("SMS provider demoted", zap.String("provider", name), zap.String("next", rotated[0].Name()))
			return
		}
	}
}

// Run rebuilds the list every interval until ctx is done.
func (r *ProviderRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Rebuild()
		}
	}
}
