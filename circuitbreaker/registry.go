package circuitbreaker

import (
	"fmt"
	"sync"
)

// Registry owns one Breaker per "host:port" endpoint and lives for the
// process lifetime. Its internal map is mutated under a single mutex so
// concurrent callers never race on breaker creation.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Get returns the breaker for host:port, creating one with the registry's
// default config on first use.
func (r *Registry) Get(host string, port int) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(host, port)
	b, ok := r.breakers[k]
	if !ok {
		b = NewBreaker(host, port, r.cfg)
		r.breakers[k] = b
	}
	return b
}

// Execute is a convenience wrapper around Get(host, port).Execute(op).
func (r *Registry) Execute(host string, port int, op func() error) error {
	return r.Get(host, port).Execute(op)
}

// Snapshot returns a copy of every known endpoint's stats, keyed by
// "host:port", for administrative inspection.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		breakers[k] = b
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(breakers))
	for k, b := range breakers {
		out[k] = b.Stats()
	}
	return out
}

// Reset force-closes the breaker for host:port if one exists. It is a no-op
// for endpoints the registry has never seen.
func (r *Registry) Reset(host string, port int) {
	r.mu.Lock()
	b, ok := r.breakers[key(host, port)]
	r.mu.Unlock()
	if ok {
		b.ForceClose()
	}
}
