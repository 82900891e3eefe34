package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/k-code-yt/orderflow/internal/order/application"
	"github.com/k-code-yt/orderflow/internal/order/handlers"
	"github.com/k-code-yt/orderflow/internal/order/infra/repo"
	"github.com/k-code-yt/orderflow/internal/order/outbox"
	"github.com/k-code-yt/orderflow/migrations"
	"github.com/k-code-yt/orderflow/pkg/config"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	"github.com/k-code-yt/orderflow/pkg/db/postgres"
	"github.com/k-code-yt/orderflow/pkg/db/redis"
	"github.com/k-code-yt/orderflow/pkg/idempotency"
	pkgkafka "github.com/k-code-yt/orderflow/pkg/kafka"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/k-code-yt/orderflow/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

func init() {
	config.LoadDotEnv()
}

type eventConsumer interface {
	Run(ctx context.Context) error
	Ready() bool
}

type Server struct {
	cfg      *config.OrderServiceConfig
	db       *sqlx.DB
	relay    *outbox.Relay
	limiter  *ratelimit.PerClientLimiter
	consumer eventConsumer
	http     *http.Server
	closers  []func()
}

func NewServer(ctx context.Context, cfg *config.OrderServiceConfig) (*Server, error) {
	if err := migrations.EnsureDatabase(&cfg.Postgres); err != nil {
		return nil, err
	}
	if err := migrations.Up(&cfg.Postgres); err != nil {
		return nil, err
	}
	db, err := postgres.WaitForDBConn(ctx, &cfg.Postgres)
	if err != nil {
		return nil, err
	}

	rdb, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	idem := idempotency.NewRedisStore(rdb, cfg.Idempotency)

	err = pkgkafka.EnsureTopics(ctx, &cfg.Kafka,
		pkgconstants.Topic_PaymentRequests,
		pkgconstants.Topic_PaymentOutcomes,
		pkgconstants.Topic_FulfillmentConfirmed,
	)
	if err != nil {
		return nil, err
	}
	encoder, err := pkgkafka.NewMsgEncoder(cfg.Kafka.MsgEncoderType)
	if err != nil {
		return nil, err
	}
	producer, err := pkgkafka.NewKafkaProducer(&cfg.Kafka, encoder)
	if err != nil {
		return nil, err
	}

	coord := application.NewCoordinator(repo.NewOrderRepo(db), idem)
	consumer, err := pkgkafka.NewKafkaConsumer(&cfg.Kafka, handlers.NewMsgRouter(coord), encoder)
	if err != nil {
		producer.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		db:       db,
		relay:    outbox.NewRelay(repo.NewEventRepo(db), producer, cfg.Outbox.Interval, cfg.Outbox.BatchSize),
		limiter:  ratelimit.NewPerClientLimiter(cfg.RateLimit),
		consumer: consumer,
		closers: []func(){
			producer.Close,
			func() { db.Close() },
		},
	}
	s.http = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handlers.NewHTTPRouter(coord, s.ready, handlers.WithCreateLimiter(s.limiter)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if !s.consumer.Ready() {
		return errors.New("consumer has no partitions yet")
	}
	return nil
}

// Run serves until ctx is cancelled or one of its parts fails. A failure of the
// listener or the consumer cancels the rest, so Run always returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.relay.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.limiter.Run(ctx)
	}()

	var consumerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.consumer.Run(ctx); err != nil {
			logrus.Errorf("CONSUMER:STOPPED %v", err)
			consumerErr = err
		}
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		s.http.Shutdown(shutdownCtx)
	}()

	logrus.WithField("ADDR", s.http.Addr).Info("ORDER_SERVER:LISTENING")
	err := s.http.ListenAndServe()
	cancel()
	wg.Wait()
	for _, closeFn := range s.closers {
		closeFn()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return consumerErr
	}
	return err
}

func main() {
	cfg, err := config.LoadOrderService()
	if err != nil {
		logrus.Fatal(err)
	}
	config.SetupLogger(cfg.LogLevel)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := NewServer(ctx, cfg)
	if err != nil {
		logrus.Fatalf("ORDER_SERVER:INIT_FAILED %v", err)
	}
	if err := s.Run(ctx); err != nil {
		logrus.Fatalf("ORDER_SERVER:STOPPED %v", err)
	}
	logrus.Info("ORDER_SERVER:EXIT")
}
