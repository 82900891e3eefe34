package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "idem:"
	breakerPrefix = "breaker:"
	beginAttempts = 3
)

type RedisStore struct {
	client *redis.Client
	ttl    TTLConfig
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, ttl TTLConfig) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl.normalize(),
		now:    time.Now,
	}
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	marker := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       RecordState_InFlight,
		CreatedAt:   s.now().UTC(),
	}
	b, err := json.Marshal(marker)
	if err != nil {
		return nil, false, pkgerrors.NewJSONParsingError(err)
	}

	// the existing key can expire between SETNX and GET, so claim again in that case
	for i := 0; i < beginAttempts; i++ {
		ok, err := s.client.SetNX(ctx, keyPrefix+key, b, s.ttl.InFlight).Result()
		if err != nil {
			return nil, false, pkgerrors.NewPersistenceError(err)
		}
		if ok {
			return marker, true, nil
		}

		existing, err := s.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, pkgerrors.NewRequestInFlightError(key)
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, result []byte) error {
	rec := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       RecordState_Completed,
		Result:      result,
		CreatedAt:   s.now().UTC(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.NewJSONParsingError(err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, b, s.ttl.Result).Err(); err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	return nil
}

// Get returns nil without error when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	b, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.NewPersistenceError(err)
	}
	rec := new(Record)
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, pkgerrors.NewJSONParsingError(err)
	}
	return rec, nil
}

func (s *RedisStore) SaveBreakerState(ctx context.Context, name string, state string) error {
	return s.client.Set(ctx, breakerPrefix+name, state, s.ttl.Result).Err()
}

// BreakerState returns "" when no transition was recorded yet.
func (s *RedisStore) BreakerState(ctx context.Context, name string) (string, error) {
	state, err := s.client.Get(ctx, breakerPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, err
}
