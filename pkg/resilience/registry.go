package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry hands out one Policy per downstream so every caller shares its breaker.
type Registry struct {
	mu       *sync.Mutex
	policies map[string]*Policy
	defaults PolicyConfig
	opts     []BreakerOption
}

func NewRegistry(defaults PolicyConfig, opts ...BreakerOption) *Registry {
	return &Registry{
		mu:       new(sync.Mutex),
		policies: make(map[string]*Policy),
		defaults: defaults,
		opts:     opts,
	}
}

func (r *Registry) Get(name string) *Policy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.policies[name]; ok {
		return p
	}
	p := NewPolicy(name, r.defaults, r.opts...)
	r.policies[name] = p
	return p
}

type StateCache interface {
	SaveBreakerState(ctx context.Context, name string, state string) error
}

// CacheStateHook mirrors breaker transitions into cache so operators and sibling
// instances can see them.
func CacheStateHook(cache StateCache, timeout time.Duration) StateChangeHook {
	return func(name string, from, to State) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cache.SaveBreakerState(ctx, name, to.String()); err != nil {
			logrus.WithFields(logrus.Fields{
				"BREAKER": name,
				"STATE":   to,
			}).Errorf("BREAKER:CACHE_FAILED %v", err)
		}
	}
}
