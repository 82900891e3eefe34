package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestRateLimiterRefills(t *testing.T) {
	clock := newFakeClock()
	rl := newRateLimiter(3, 1, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow())

	clock.Advance(time.Second)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "refill is capped at max tokens")
	}
	assert.False(t, rl.Allow())
}

func TestPerClientLimiterIsolatesClients(t *testing.T) {
	clock := newFakeClock()
	l := NewPerClientLimiter(Config{MaxTokens: 2, RefillPerSecond: 1}, WithClock(clock.Now))

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"))
}

func TestPerClientLimiterConcurrentClients(t *testing.T) {
	l := NewPerClientLimiter(Config{MaxTokens: 5, RefillPerSecond: 0.001})
	var allowed atomic.Int64
	wg := new(sync.WaitGroup)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load())
	assert.Equal(t, 1, l.Len())
}

func TestPerClientLimiterCleanUp(t *testing.T) {
	clock := newFakeClock()
	l := NewPerClientLimiter(Config{MaxTokens: 2, RefillPerSecond: 1, MaxInactive: time.Minute}, WithClock(clock.Now))

	l.Allow("u1")
	clock.Advance(30 * time.Second)
	l.Allow("u2")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.CleanUp())
	assert.Equal(t, 1, l.Len())
}

func TestMiddlewareThrottles(t *testing.T) {
	l := NewPerClientLimiter(Config{MaxTokens: 1, RefillPerSecond: 0.001})
	h := l.Middleware(func(r *http.Request) string {
		return r.Header.Get("X-User-ID")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/orders", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send("u1"))
	assert.Equal(t, http.StatusTooManyRequests, send("u1"))
	assert.Equal(t, http.StatusNoContent, send("u2"))
	assert.Equal(t, http.StatusNoContent, send(""))
}
