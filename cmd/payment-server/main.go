package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/application"
	"github.com/k-code-yt/orderflow/internal/payment/handlers"
	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	"github.com/k-code-yt/orderflow/internal/payment/infra/repo"
	"github.com/k-code-yt/orderflow/pkg/config"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	pkgmongo "github.com/k-code-yt/orderflow/pkg/db/mongo"
	"github.com/k-code-yt/orderflow/pkg/db/redis"
	"github.com/k-code-yt/orderflow/pkg/idempotency"
	pkgkafka "github.com/k-code-yt/orderflow/pkg/kafka"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
)

func init() {
	config.LoadDotEnv()
}

type eventConsumer interface {
	Run(ctx context.Context) error
}

type backgroundJob interface {
	Run(ctx context.Context)
}

type Server struct {
	cfg        *config.PaymentServiceConfig
	consumer   eventConsumer
	reconciler backgroundJob
	closers    []func()
}

func NewServer(ctx context.Context, cfg *config.PaymentServiceConfig) (*Server, error) {
	client, err := pkgmongo.NewClient(ctx, &cfg.Mongo)
	if err != nil {
		return nil, err
	}
	ledger := repo.NewPaymentRepo(client.Database(cfg.Mongo.Database))
	if err := ledger.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	rdb, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	idem := idempotency.NewRedisStore(rdb, cfg.Idempotency)
	policies := resilience.NewRegistry(cfg.Resilience,
		resilience.WithStateChangeHook(resilience.CacheStateHook(idem, time.Second)),
	)

	resolver := rail.NewStaticResolver(map[string]string{cfg.Rail.Name: cfg.Rail.BaseURL})
	railClient := rail.NewClient(cfg.Rail.Name, resolver)

	err = pkgkafka.EnsureTopics(ctx, &cfg.Kafka,
		pkgconstants.Topic_PaymentRequests,
		pkgconstants.Topic_PaymentOutcomes,
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

	proc := application.NewProcessor(ledger, idem, railClient, policies.Get(cfg.Rail.Name), producer)
	consumer, err := pkgkafka.NewKafkaConsumer(&cfg.Kafka, handlers.NewMsgRouter(proc), encoder)
	if err != nil {
		producer.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		consumer: consumer,
		reconciler: application.NewReconciler(proc, application.ReconcilerConfig{
			Interval:  cfg.Reconcile.Interval,
			BatchSize: cfg.Reconcile.BatchSize,
			MinAge:    cfg.Reconcile.MinAge,
		}),
		closers: []func(){
			producer.Close,
			func() { disconnect(client) },
		},
	}, nil
}

func disconnect(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logrus.Errorf("MONGO:DISCONNECT_FAILED %v", err)
	}
}

// Run blocks until ctx is cancelled or the consumer stops on its own; either
// way the reconciler is stopped before the clients are closed.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reconciler.Run(ctx)
	}()

	err := s.consumer.Run(ctx)
	cancel()
	wg.Wait()
	for _, closeFn := range s.closers {
		closeFn()
	}
	return err
}

func main() {
	cfg, err := config.LoadPaymentService()
	if err != nil {
		logrus.Fatal(err)
	}
	config.SetupLogger(cfg.LogLevel)
	metrics.Register()
	metrics.StartServer(cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := NewServer(ctx, cfg)
	if err != nil {
		logrus.Fatalf("PAYMENT_SERVER:INIT_FAILED %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"RAIL":    cfg.Rail.BaseURL,
		"METRICS": cfg.MetricsAddr,
	}).Info("PAYMENT_SERVER:STARTED")
	if err := s.Run(ctx); err != nil {
		logrus.Fatalf("PAYMENT_SERVER:STOPPED %v", err)
	}
	logrus.Info("PAYMENT_SERVER:EXIT")
}
