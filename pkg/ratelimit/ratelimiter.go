package ratelimit

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type Config struct {
	MaxTokens       float64       `mapstructure:"max_tokens"`
	RefillPerSecond float64       `mapstructure:"refill_per_second"`
	MaxInactive     time.Duration `mapstructure:"max_inactive"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:       20,
		RefillPerSecond: 5,
		MaxInactive:     5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// RateLimiter is a token bucket refilled continuously at refillRate tokens per second.
type RateLimiter struct {
	refillRate float64
	lastRefill time.Time
	tokens     float64
	maxTokens  float64
	mu         *sync.RWMutex
	now        func() time.Time
}

func NewRateLimiter(maxTokens float64, refillRate float64) *RateLimiter {
	return newRateLimiter(maxTokens, refillRate, time.Now)
}

func newRateLimiter(maxTokens, refillRate float64, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		refillRate: refillRate,
		mu:         new(sync.RWMutex),
		maxTokens:  maxTokens,
		tokens:     maxTokens,
		lastRefill: now(),
		now:        now,
	}
}

func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens = math.Min(r.maxTokens, r.tokens+elapsed*r.refillRate)
	r.lastRefill = now
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefill
}

// PerClientLimiter keeps one bucket per client id and forgets clients that stayed
// quiet for MaxInactive.
type PerClientLimiter struct {
	cfg      Config
	limiters map[string]*RateLimiter
	mu       *sync.RWMutex
	now      func() time.Time
}

type Option func(l *PerClientLimiter)

func WithClock(now func() time.Time) Option {
	return func(l *PerClientLimiter) {
		l.now = now
	}
}

func NewPerClientLimiter(cfg Config, opts ...Option) *PerClientLimiter {
	d := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = d.RefillPerSecond
	}
	if cfg.MaxInactive <= 0 {
		cfg.MaxInactive = d.MaxInactive
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	l := &PerClientLimiter{
		cfg:      cfg,
		limiters: make(map[string]*RateLimiter),
		mu:       new(sync.RWMutex),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *PerClientLimiter) Allow(clientID string) bool {
	l.mu.RLock()
	rl, ok := l.limiters[clientID]
	l.mu.RUnlock()
	if !ok {
		l.mu.Lock()
		// another request may have created it meanwhile
		if rl, ok = l.limiters[clientID]; !ok {
			rl = newRateLimiter(l.cfg.MaxTokens, l.cfg.RefillPerSecond, l.now)
			l.limiters[clientID] = rl
		}
		l.mu.Unlock()
	}
	return rl.Allow()
}

func (l *PerClientLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Run evicts inactive clients until ctx is done.
func (l *PerClientLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CleanUp()
		}
	}
}

func (l *PerClientLimiter) CleanUp() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, rl := range l.limiters {
		if l.now().Sub(rl.idleSince()) >= l.cfg.MaxInactive {
			delete(l.limiters, id)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithField("REMOVED", removed).Debug("RATELIMIT:CLEANUP")
	}
	return removed
}

// Middleware answers 429 once the client named by clientID ran out of tokens.
// Requests without a client id pass through.
func (l *PerClientLimiter) Middleware(clientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := clientID(r)
			if id != "" && !l.Allow(id) {
				metrics.RequestsThrottled.Inc()
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
