package provider

import (
	"context"
	"fmt"
	"sync"
)

// Resolver hands out a Provider for an account and serializes syncs
// against it. Consumers depend on this rather than the concrete
// registry so they can be exercised with fakes.
type Resolver interface {
	Get(ctx context.Context, accountID string) (Provider, error)
	SyncLock(accountID string) *sync.Mutex
}

// Factory builds a Provider for an account kind. The registry itself
// lives in this package; the concrete adapters (gmail, microsoft,
// yahoo, imapsmtp) are wired in by the caller to avoid an import
// cycle through the store-backed sink.
type Factory func(ctx context.Context, accountID string) (Provider, error)

// Registry caches one Provider per account and owns the per-account
// sync mutex. Cached entries survive until Invalidate, so repeated
// operations against the same account reuse the underlying client.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]Provider
	locks     map[string]*sync.Mutex

	kindOf func(ctx context.Context, accountID string) (string, error)
}

// NewRegistry builds an empty registry. kindOf resolves an account id
// to its provider kind (normally a store lookup).
func NewRegistry(kindOf func(ctx context.Context, accountID string) (string, error)) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
		locks:     make(map[string]*sync.Mutex),
		kindOf:    kindOf,
	}
}

// Register installs the factory for an account kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Get returns the cached Provider for the account, constructing it on
// first use.
func (r *Registry) Get(ctx context.Context, accountID string) (Provider, error) {
	r.mu.Lock()
	if p, ok := r.providers[accountID]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	kind, err := r.kindOf(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", accountID, err)
	}

	r.mu.Lock()
	factory, ok := r.factories[kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", kind)
	}

	p, err := factory(ctx, accountID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have raced the construction; keep the first.
	if existing, ok := r.providers[accountID]; ok {
		return existing, nil
	}
	r.providers[accountID] = p
	return p, nil
}

// SyncLock returns the mutex serializing syncs for the account. The
// mutex is created on first request and kept for the account's
// lifetime so concurrent sync triggers (manual, idle, scheduled)
// queue up instead of overlapping.
func (r *Registry) SyncLock(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[accountID]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[accountID] = l
	return l
}

// Invalidate drops the cached provider and lock for an account.
// Called when an account is deleted or its credentials change.
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, accountID)
	delete(r.locks, accountID)
}
