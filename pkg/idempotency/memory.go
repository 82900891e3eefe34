package idempotency

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is a single-process Store with the same TTL semantics as RedisStore.
type MemoryStore struct {
	mu      *sync.Mutex
	entries map[string]memEntry
	ttl     TTLConfig
	now     func() time.Time
}

func NewMemoryStore(ttl TTLConfig) *MemoryStore {
	return &MemoryStore{
		mu:      new(sync.Mutex),
		entries: make(map[string]memEntry),
		ttl:     ttl.normalize(),
		now:     time.Now,
	}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Begin(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok {
		rec := e.rec
		return &rec, false, nil
	}
	now := s.now()
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       RecordState_InFlight,
		CreatedAt:   now.UTC(),
	}
	s.entries[key] = memEntry{rec: rec, expiresAt: now.Add(s.ttl.InFlight)}
	return &rec, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, fingerprint string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key] = memEntry{
		rec: Record{
			Key:         key,
			Fingerprint: fingerprint,
			State:       RecordState_Completed,
			Result:      append([]byte(nil), result...),
			CreatedAt:   now.UTC(),
		},
		expiresAt: now.Add(s.ttl.Result),
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) SaveBreakerState(ctx context.Context, name string, state string) error {
	return s.Complete(ctx, breakerPrefix+name, "", []byte(state))
}

func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}
