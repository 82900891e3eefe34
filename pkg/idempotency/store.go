package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type RecordState string

const (
	RecordState_InFlight  RecordState = "IN_FLIGHT"
	RecordState_Completed RecordState = "COMPLETED"
)

const (
	DefaultInFlightTTL = 2 * time.Minute
	DefaultResultTTL   = 24 * time.Hour
)

type Record struct {
	Key         string      `json:"key"`
	Fingerprint string      `json:"fingerprint"`
	State       RecordState `json:"state"`
	Result      []byte      `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func (r *Record) Completed() bool {
	return r != nil && r.State == RecordState_Completed
}

// Store is the keyed deduplication record shared by all workers.
//
// Begin atomically claims key with an in-flight marker. When the claim succeeds
// acquired is true and rec is the new marker; otherwise rec is whatever the key
// already holds (in flight elsewhere or completed with a cached result).
type Store interface {
	Begin(ctx context.Context, key, fingerprint string) (rec *Record, acquired bool, err error)
	Complete(ctx context.Context, key, fingerprint string, result []byte) error
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*Record, error)
}

type TTLConfig struct {
	InFlight time.Duration `mapstructure:"inflight_ttl"`
	Result   time.Duration `mapstructure:"result_ttl"`
}

func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		InFlight: DefaultInFlightTTL,
		Result:   DefaultResultTTL,
	}
}

func (c TTLConfig) normalize() TTLConfig {
	if c.InFlight <= 0 {
		c.InFlight = DefaultInFlightTTL
	}
	if c.Result <= 0 {
		c.Result = DefaultResultTTL
	}
	return c
}

// Fingerprint hashes the parts that identify a request payload.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
