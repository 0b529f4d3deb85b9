package breaker

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Registry owns one breaker per named dependency. Construct one per process
// and pass it to the components that need it.
type Registry struct {
	defaults Config
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Health summarises every breaker in the registry.
type Health struct {
	Total             int     `json:"total"`
	Healthy           int     `json:"healthy"`
	Unhealthy         int     `json:"unhealthy"`
	HealthyPercentage float64 `json:"healthyPercentage"`
	Breakers          []Stats `json:"breakers"`
}

func NewRegistry(defaults Config, clock clockwork.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		defaults: defaults,
		clock:    clock,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the breaker for name. cfg only applies when the
// breaker does not exist yet.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.defaults.OnStateChange
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = r.defaults.IsFailure
	}
	b := New(name, cfg, r.clock, r.logger)
	r.breakers[name] = b
	return b
}

// All returns stats for every breaker sorted by name.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health counts closed breakers as healthy and the rest as unhealthy.
func (r *Registry) Health() Health {
	stats := r.All()
	h := Health{Total: len(stats), Breakers: stats, HealthyPercentage: 100}
	for _, s := range stats {
		if s.State == StateClosed {
			h.Healthy++
		} else {
			h.Unhealthy++
		}
	}
	if h.Total > 0 {
		h.HealthyPercentage = float64(h.Healthy) / float64(h.Total) * 100
	}
	return h
}

func (r *Registry) ResetAll() {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	for _, b := range list {
		b.Reset()
	}
}
