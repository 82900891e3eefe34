package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFixture struct {
	store   Store
	advance func(d time.Duration)
}

func newRedisFixture(t *testing.T) storeFixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storeFixture{
		store:   NewRedisStore(client, TTLConfig{InFlight: time.Minute, Result: time.Hour}),
		advance: mr.FastForward,
	}
}

func newMemoryFixture(t *testing.T) storeFixture {
	var mu sync.Mutex
	now := time.Now()
	store := NewMemoryStore(TTLConfig{InFlight: time.Minute, Result: time.Hour}).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return storeFixture{
		store: store,
		advance: func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, f storeFixture)) {
	t.Run("redis", func(t *testing.T) { fn(t, newRedisFixture(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
}

func TestBeginAcquiresOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		rec, acquired, err := f.store.Begin(ctx, "pay:o1:1", "fp")
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, RecordState_InFlight, rec.State)

		rec, acquired, err = f.store.Begin(ctx, "pay:o1:1", "fp")
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, RecordState_InFlight, rec.State)
		assert.Equal(t, "fp", rec.Fingerprint)
	})
}

func TestBeginReturnsCompletedResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		_, _, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)
		require.NoError(t, f.store.Complete(ctx, "k", "fp", []byte(`{"ok":true}`)))

		rec, acquired, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.True(t, rec.Completed())
		assert.Equal(t, `{"ok":true}`, string(rec.Result))
	})
}

func TestInFlightMarkerExpires(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		_, _, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)

		f.advance(2 * time.Minute)

		_, acquired, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)
		assert.True(t, acquired, "crashed worker's marker must not block forever")
	})
}

func TestResultOutlivesInFlightTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		_, _, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)
		require.NoError(t, f.store.Complete(ctx, "k", "fp", []byte("r")))

		f.advance(30 * time.Minute)
		rec, err := f.store.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.Completed())

		f.advance(time.Hour)
		rec, err = f.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestReleaseFreesKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		_, _, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)
		require.NoError(t, f.store.Release(ctx, "k"))

		_, acquired, err := f.store.Begin(ctx, "k", "fp")
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()
		var winners int32
		wg := new(sync.WaitGroup)

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, acquired, err := f.store.Begin(ctx, "race", "fp")
				if err == nil && acquired {
					atomic.AddInt32(&winners, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners)
	})
}

func TestRedisBreakerStateCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client, DefaultTTLConfig())
	ctx := context.Background()

	state, err := store.BreakerState(ctx, "payment-rail")
	require.NoError(t, err)
	assert.Equal(t, "", state)

	require.NoError(t, store.SaveBreakerState(ctx, "payment-rail", "OPEN"))
	state, err = store.BreakerState(ctx, "payment-rail")
	require.NoError(t, err)
	assert.Equal(t, "OPEN", state)
	assert.True(t, mr.Exists("breaker:payment-rail"))
}

func TestFingerprintIsStable(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("ab", ""), Fingerprint("a", "b"))
}
