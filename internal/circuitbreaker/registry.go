package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/channel"
)

// Registry owns one breaker per provider so the ops API can list and reset them.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	onChange func(name string, from, to State)
	logger   *zap.Logger
}

// NewRegistry creates a registry. onChange, if set, is installed on every breaker.
func NewRegistry(onChange func(name string, from, to State), logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		onChange: onChange,
		logger:   logger,
	}
}

// Protect wraps next with the breaker registered under name, creating it with
// DefaultConfig on first use.
func (r *Registry) Protect(name string, next channel.Transport) *ProtectedTransport {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cfg := DefaultConfig(name)
		cfg.OnStateChange = r.onChange
		cb = New(cfg, r.logger)
		r.breakers[name] = cb
	}
	return NewProtectedTransport(next, cb, r.logger)
}

// Stats returns a snapshot of every breaker, ordered by provider name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset closes the named breaker. It reports false for an unknown provider.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}
