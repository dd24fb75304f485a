package provider

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/moltq/moltq/internal/model"
)

// state is the registry's mutable record for one provider.
type state struct {
	info    model.Provider
	invoker Invoker
	// order is the registration sequence, used for stable tiebreaks.
	order int
	// inflight counts invocations currently running against this provider.
	inflight int
	// failureStreak counts consecutive failures; crossing the threshold
	// marks the provider unhealthy.
	failureStreak int
	// cooldownExp doubles the cool-down on each repeated unhealthy episode.
	cooldownExp int
}

// Registry holds registered providers and answers selection queries under the
// configured strategy. Each framework instance owns its own registry; there
// are no package-level singletons.
type Registry struct {
	mu           sync.Mutex
	logger       *slog.Logger
	strategy     Strategy
	failStreak   int
	cooldownBase time.Duration
	order        int
	providers    map[string]*state
}

// NewRegistry creates an empty registry. failureThreshold is the consecutive
// failure count that marks a provider unhealthy; cooldownBase seeds its
// exponential cool-down.
func NewRegistry(strategy Strategy, failureThreshold int, cooldownBase time.Duration, logger *slog.Logger) *Registry {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldownBase <= 0 {
		cooldownBase = 30 * time.Second
	}
	return &Registry{
		logger:       logger,
		strategy:     strategy,
		failStreak:   failureThreshold,
		cooldownBase: cooldownBase,
		providers:    make(map[string]*state),
	}
}

// Register adds a provider. Registration is idempotent by name:
// re-registering updates the configured fields and invoker but preserves
// usage counters and health state.
func (r *Registry) Register(p model.Provider, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[p.Name]; ok {
		existing.info.Capability = p.Capability
		existing.info.Weight = p.Weight
		existing.info.Cost = p.Cost
		existing.info.MaxConcurrency = p.MaxConcurrency
		existing.info.APIKey = p.APIKey
		existing.info.BaseURL = p.BaseURL
		existing.invoker = inv
		r.logger.Info("provider updated", "provider", p.Name, "capability", p.Capability)
		return
	}

	p.Healthy = true
	r.order++
	r.providers[p.Name] = &state{
		info:    p,
		invoker: inv,
		order:   r.order,
	}
	r.logger.Info("provider registered", "provider", p.Name, "capability", p.Capability, "weight", p.Weight)
}

// Unregister removes a provider by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// Select picks a provider for the capability under the registry's strategy
// and reserves an in-flight slot on it. Callers must pair every successful
// Select with a Release.
func (r *Registry) Select(capability string) (string, Invoker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.candidates(capability)
	if len(candidates) == 0 {
		return "", nil, ErrNoProviderAvailable
	}

	picked := r.strategy.Pick(candidates)
	picked.inflight++
	return picked.info.Name, picked.invoker, nil
}

// Release returns the in-flight slot reserved by Select.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.providers[name]; ok && s.inflight > 0 {
		s.inflight--
	}
}

// CanServe reports whether at least one provider could currently accept an
// invocation for the capability. The scheduler uses this as its eligibility
// filter, so saturated or cooling-down capabilities leave their tasks queued.
func (r *Registry) CanServe(capability string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates(capability)) > 0
}

// candidates returns selectable providers for the capability in registration
// order. A provider whose cool-down has elapsed re-enters optimistically: the
// next selection is its half-open probe. Callers hold r.mu.
func (r *Registry) candidates(capability string) []*state {
	now := time.Now()
	var out []*state
	for _, s := range r.providers {
		if capability != "" && s.info.Capability != capability {
			continue
		}
		if s.info.MaxConcurrency > 0 && s.inflight >= s.info.MaxConcurrency {
			continue
		}
		if !s.info.Healthy {
			if s.info.CooldownUntil == nil || now.Before(*s.info.CooldownUntil) {
				continue
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// ReportOutcome records the result of one invocation against the provider.
// Success resets the failure streak and restores health; crossing the failure
// threshold marks the provider unhealthy with an exponentially growing
// cool-down.
func (r *Registry) ReportOutcome(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.providers[name]
	if !ok {
		return
	}

	s.info.UsageCount++
	if success {
		s.failureStreak = 0
		s.cooldownExp = 0
		s.info.Healthy = true
		s.info.CooldownUntil = nil
		return
	}

	s.failureStreak++
	if s.failureStreak < r.failStreak {
		return
	}

	cooldown := r.cooldownBase << s.cooldownExp
	if s.cooldownExp < 10 {
		s.cooldownExp++
	}
	until := time.Now().Add(cooldown)
	s.info.Healthy = false
	s.info.CooldownUntil = &until
	s.failureStreak = 0
	r.logger.Warn("provider marked unhealthy",
		"provider", name,
		"cooldown", cooldown.String(),
	)
}

// List returns a snapshot of all providers sorted by registration order.
func (r *Registry) List() []model.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]*state, 0, len(r.providers))
	for _, s := range r.providers {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].order < states[j].order })

	out := make([]model.Provider, 0, len(states))
	for _, s := range states {
		out = append(out, s.info)
	}
	return out
}
