package config

import (
	"testing"
	"time"

	pkgkafka "github.com/k-code-yt/orderflow/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrderServiceDefaults(t *testing.T) {
	cfg, err := LoadOrderService()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "orders", cfg.Postgres.DBName)
	assert.Equal(t, "order-coordinator", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, pkgkafka.KafkaEncoder_JSON, cfg.Kafka.MsgEncoderType)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.Result)
	assert.Equal(t, time.Second, cfg.Outbox.Interval)
}

func TestLoadOrderServiceFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("KAFKA_ENCODER", "avro")
	t.Setenv("OUTBOX_INTERVAL", "250ms")

	cfg, err := LoadOrderService()
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.Equal(t, pkgkafka.KafkaEncoder_AVRO, cfg.Kafka.MsgEncoderType)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.Interval)
}

func TestLoadPaymentServiceResilience(t *testing.T) {
	t.Setenv("RESILIENCE_BREAKER_MINIMUM_CALLS", "6")
	t.Setenv("RESILIENCE_TIMEOUT", "1s")

	cfg, err := LoadPaymentService()
	require.NoError(t, err)

	assert.Equal(t, "payment-rail", cfg.Rail.Name)
	assert.Equal(t, 6, cfg.Resilience.Breaker.MinimumCalls)
	assert.Equal(t, time.Second, cfg.Resilience.Timeout)
	assert.Equal(t, 10, cfg.Resilience.Breaker.WindowSize)
}
