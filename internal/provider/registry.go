package provider

import (
	"context"
	"sort"
	"sync"
)

// Registry holds the configured providers and the tier routing map.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	tiers     map[Tier]string // tier -> provider id
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		tiers:     make(map[Tier]string),
	}
}

// Register adds a provider.
// The first registered provider becomes the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	r.providers[id] = p

	if r.defaultID == "" {
		r.defaultID = id
	}
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	return p, ok
}

// Default returns the default provider, or nil if the registry is empty.
func (r *Registry) Default() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.providers[r.defaultID]
}

// SetDefault sets the default provider by id.
func (r *Registry) SetDefault(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[id]; !ok {
		return false
	}
	r.defaultID = id
	return true
}

// SetTier maps a routing tier to a provider id.
func (r *Registry) SetTier(tier Tier, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[id]; !ok {
		return false
	}
	r.tiers[tier] = id
	return true
}

// ForTier returns the provider mapped to a tier.
// Unmapped tiers fall back to the default provider.
func (r *Registry) ForTier(tier Tier) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.tiers[tier]; ok {
		if p, ok := r.providers[id]; ok {
			return p
		}
	}
	return r.providers[r.defaultID]
}

// List returns all registered provider ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Route is the outcome of health-aware provider selection.
type Route struct {
	Provider       Provider
	Classification Classification
	FailedOver     bool
}

// RouteWithHealth classifies the message, picks the tier's provider, and
// probes availability. If the pick is down it walks the remaining providers
// in sorted id order and takes the first one that answers. If every probe
// fails it still returns the default with FailedOver set: a dead probe is no
// reason to abort the turn, the real call will produce the useful error.
func (r *Registry) RouteWithHealth(ctx context.Context, text string) (*Route, error) {
	if r.Count() == 0 {
		return nil, ErrNoProviders
	}

	cls := Classify(text)
	primary := r.ForTier(cls.Tier)

	if primary.Available(ctx) {
		return &Route{Provider: primary, Classification: cls}, nil
	}

	for _, id := range r.List() {
		if id == primary.ID() {
			continue
		}
		p, ok := r.Get(id)
		if !ok {
			continue
		}
		if p.Available(ctx) {
			return &Route{Provider: p, Classification: cls, FailedOver: true}, nil
		}
	}

	return &Route{Provider: r.Default(), Classification: cls, FailedOver: true}, nil
}
