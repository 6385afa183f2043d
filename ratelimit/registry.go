package ratelimit

import (
	"sort"
	"strings"
	"sync"
)

// Registry hands out one Limiter per provider, created on first use and kept
// for the registry's lifetime.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	limiters  map[string]*Limiter
	opts      options
}

// NewRegistry creates a registry. Providers listed in overrides get their own
// quota; every other provider gets defaults. Provider names are matched
// case-insensitively.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	normalized := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		normalized[normalizeName(name)] = cfg
	}

	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: normalized,
		limiters:  make(map[string]*Limiter),
		opts:      buildOptions(opts),
	}
}

// Limiter returns the limiter for provider, creating it if needed
func (r *Registry) Limiter(provider string) *Limiter {
	name := normalizeName(provider)

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l
	}

	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}

	l := newLimiter(name, cfg, r.opts)
	r.limiters[name] = l

	r.opts.logger.Debug("Created rate limiter",
		"provider", name,
		"limit", l.config.Limit,
		"window", l.config.Window)
	return l
}

// Providers returns the names of providers that have a limiter, sorted
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns Info for every limiter created so far
func (r *Registry) Snapshot() map[string]Info {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	out := make(map[string]Info, len(limiters))
	for _, l := range limiters {
		out[l.name] = l.Info()
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
