package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	"github.com/k-code-yt/orderflow/pkg/db/mongo"
	"github.com/k-code-yt/orderflow/pkg/db/postgres"
	"github.com/k-code-yt/orderflow/pkg/db/redis"
	"github.com/k-code-yt/orderflow/pkg/idempotency"
	pkgkafka "github.com/k-code-yt/orderflow/pkg/kafka"
	"github.com/k-code-yt/orderflow/pkg/ratelimit"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadDotEnv loads the .env file sitting next to the calling source file. Missing
// files are ignored so that real environment variables keep working in containers.
func LoadDotEnv() {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	envPath := filepath.Join(filepath.Dir(filename), ".env")
	if err := godotenv.Load(envPath); err != nil {
		logrus.WithField("PATH", envPath).Debug("no .env file")
	}
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type OutboxConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type RailConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

type ReconcileConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	MinAge    time.Duration `mapstructure:"min_age"`
}

type OrderServiceConfig struct {
	LogLevel    string                  `mapstructure:"log_level"`
	HTTP        HTTPConfig              `mapstructure:"http"`
	Postgres    postgres.PostgresConfig `mapstructure:"postgres"`
	Kafka       pkgkafka.KafkaConfig    `mapstructure:"kafka"`
	Redis       redis.RedisConfig       `mapstructure:"redis"`
	Idempotency idempotency.TTLConfig   `mapstructure:"idempotency"`
	Outbox      OutboxConfig            `mapstructure:"outbox"`
	RateLimit   ratelimit.Config        `mapstructure:"ratelimit"`
}

type PaymentServiceConfig struct {
	LogLevel    string                  `mapstructure:"log_level"`
	MetricsAddr string                  `mapstructure:"metrics_addr"`
	Kafka       pkgkafka.KafkaConfig    `mapstructure:"kafka"`
	Redis       redis.RedisConfig       `mapstructure:"redis"`
	Mongo       mongo.MongoConfig       `mapstructure:"mongo"`
	Idempotency idempotency.TTLConfig   `mapstructure:"idempotency"`
	Rail        RailConfig              `mapstructure:"rail"`
	Resilience  resilience.PolicyConfig `mapstructure:"-"`
	Reconcile   ReconcileConfig         `mapstructure:"reconcile"`
}

type RailStubConfig struct {
	LogLevel string     `mapstructure:"log_level"`
	HTTP     HTTPConfig `mapstructure:"http"`
	// probabilities in [0,1]
	DeclineRate  float64       `mapstructure:"decline_rate"`
	FailureRate  float64       `mapstructure:"failure_rate"`
	PhantomRate  float64       `mapstructure:"phantom_rate"`
	Latency      time.Duration `mapstructure:"latency"`
	PhantomDelay time.Duration `mapstructure:"phantom_delay"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setKafkaDefaults(v *viper.Viper, group string) {
	d := pkgkafka.NewKafkaConfig(group)
	v.SetDefault("kafka.brokers", d.Host)
	v.SetDefault("kafka.consumer_group", d.ConsumerGroup)
	v.SetDefault("kafka.assign_strategy", d.ParititionAssignStrategy)
	v.SetDefault("kafka.partitions", d.NumPartitions)
	v.SetDefault("kafka.replication_factor", d.ReplicationFactor)
	v.SetDefault("kafka.encoder", string(d.MsgEncoderType))
	v.SetDefault("kafka.commit_interval", d.CommitInterval)
	v.SetDefault("kafka.handler_backoff", d.HandlerBackoff)
	v.SetDefault("kafka.handler_max_backoff", d.HandlerMaxBackoff)
	v.SetDefault("kafka.handler_stall_after", d.HandlerStallAfter)
	v.SetDefault("kafka.worker_buffer", d.WorkerBuffer)
}

func setRedisDefaults(v *viper.Viper) {
	d := redis.DefaultRedisConfig()
	v.SetDefault("redis.addr", d.Addr)
	v.SetDefault("redis.password", d.Password)
	v.SetDefault("redis.db", d.DB)
	v.SetDefault("idempotency.inflight_ttl", idempotency.DefaultInFlightTTL)
	v.SetDefault("idempotency.result_ttl", idempotency.DefaultResultTTL)
}

func LoadOrderService() (*OrderServiceConfig, error) {
	v := newViper()
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")

	pg := postgres.DefaultPostgresConfig(pkgconstants.DBNameOrders)
	v.SetDefault("postgres.host", pg.Host)
	v.SetDefault("postgres.port", pg.Port)
	v.SetDefault("postgres.user", pg.User)
	v.SetDefault("postgres.password", pg.Password)
	v.SetDefault("postgres.database", pg.DBName)
	v.SetDefault("postgres.sslmode", pg.SSLMode)

	setKafkaDefaults(v, pkgconstants.ConsumerGroup_Orders)
	setRedisDefaults(v)
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("ratelimit.max_tokens", rl.MaxTokens)
	v.SetDefault("ratelimit.refill_per_second", rl.RefillPerSecond)
	v.SetDefault("ratelimit.max_inactive", rl.MaxInactive)
	v.SetDefault("ratelimit.cleanup_interval", rl.CleanupInterval)

	cfg := new(OrderServiceConfig)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("order service config: %w", err)
	}
	return cfg, nil
}

func LoadPaymentService() (*PaymentServiceConfig, error) {
	v := newViper()
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9091")

	setKafkaDefaults(v, pkgconstants.ConsumerGroup_Payments)
	setRedisDefaults(v)

	mg := mongo.DefaultMongoConfig(pkgconstants.MongoDBNamePayments)
	v.SetDefault("mongo.uri", mg.URI)
	v.SetDefault("mongo.database", mg.Database)

	v.SetDefault("rail.name", pkgconstants.Downstream_PaymentRail)
	v.SetDefault("rail.base_url", "http://localhost:8090")

	pol := resilience.DefaultPolicyConfig()
	v.SetDefault("resilience.timeout", pol.Timeout)
	v.SetDefault("resilience.retry.max_retries", pol.Retry.MaxRetries)
	v.SetDefault("resilience.retry.initial_interval", pol.Retry.InitialInterval)
	v.SetDefault("resilience.retry.max_interval", pol.Retry.MaxInterval)
	v.SetDefault("resilience.retry.multiplier", pol.Retry.Multiplier)
	v.SetDefault("resilience.retry.jitter", pol.Retry.Jitter)
	v.SetDefault("resilience.breaker.window_size", pol.Breaker.WindowSize)
	v.SetDefault("resilience.breaker.minimum_calls", pol.Breaker.MinimumCalls)
	v.SetDefault("resilience.breaker.failure_ratio", pol.Breaker.FailureRatio)
	v.SetDefault("resilience.breaker.open_timeout", pol.Breaker.OpenTimeout)
	v.SetDefault("resilience.breaker.half_open_probes", pol.Breaker.HalfOpenProbes)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.min_age", time.Minute)

	cfg := new(PaymentServiceConfig)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("payment service config: %w", err)
	}
	cfg.Resilience = resilience.PolicyConfig{
		Timeout: v.GetDuration("resilience.timeout"),
		Retry: resilience.RetryConfig{
			MaxRetries:      v.GetInt("resilience.retry.max_retries"),
			InitialInterval: v.GetDuration("resilience.retry.initial_interval"),
			MaxInterval:     v.GetDuration("resilience.retry.max_interval"),
			Multiplier:      v.GetFloat64("resilience.retry.multiplier"),
			Jitter:          v.GetFloat64("resilience.retry.jitter"),
		},
		Breaker: resilience.BreakerConfig{
			WindowSize:     v.GetInt("resilience.breaker.window_size"),
			MinimumCalls:   v.GetInt("resilience.breaker.minimum_calls"),
			FailureRatio:   v.GetFloat64("resilience.breaker.failure_ratio"),
			OpenTimeout:    v.GetDuration("resilience.breaker.open_timeout"),
			HalfOpenProbes: v.GetInt("resilience.breaker.half_open_probes"),
		},
	}
	return cfg, nil
}

func LoadRailStub() (*RailStubConfig, error) {
	v := newViper()
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("decline_rate", 0.1)
	v.SetDefault("failure_rate", 0.05)
	v.SetDefault("phantom_rate", 0.0)
	v.SetDefault("latency", 50*time.Millisecond)
	v.SetDefault("phantom_delay", 5*time.Second)

	cfg := new(RailStubConfig)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("rail stub config: %w", err)
	}
	return cfg, nil
}

// SetupLogger applies the configured level with the JSON formatter used in every binary.
func SetupLogger(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
