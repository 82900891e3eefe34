package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	OrdersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderflow_orders_created_total",
			Help: "Orders accepted by the coordinator",
		},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_order_transitions_total",
			Help: "Persisted order state transitions",
		},
		[]string{"from", "to"},
	)

	EventsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_events_discarded_total",
			Help: "Stale or duplicate events dropped by handlers",
		},
		[]string{"type"},
	)

	PaymentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_payment_outcomes_total",
			Help: "Terminal payment attempt outcomes",
		},
		[]string{"status", "reason"},
	)

	IdempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_idempotency_hits_total",
			Help: "Requests answered from the idempotency store",
		},
		[]string{"scope"},
	)

	DownstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_downstream_calls_total",
			Help: "Resilience-wrapped calls by downstream, operation and result",
		},
		[]string{"downstream", "op", "result"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderflow_circuit_breaker_state",
			Help: "0 = closed, 1 = open, 2 = half-open",
		},
		[]string{"downstream"},
	)

	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderflow_outbox_published_total",
			Help: "Outbox rows relayed to the event log",
		},
		[]string{"result"},
	)

	EventsPoisoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderflow_events_poisoned_total",
			Help: "Undecodable or invalid messages skipped by consumers",
		},
	)

	PartitionStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderflow_partition_stalls_total",
			Help: "Messages whose handler kept failing with a retryable error",
		},
	)

	RequestsThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderflow_requests_throttled_total",
			Help: "HTTP requests rejected by the per-owner rate limiter",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectors.NewGoCollector())
		prometheus.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prometheus.MustRegister(
			OrdersCreated,
			OrderTransitions,
			EventsDiscarded,
			PaymentOutcomes,
			IdempotencyHits,
			DownstreamCalls,
			BreakerState,
			OutboxPublished,
			EventsPoisoned,
			PartitionStalls,
			RequestsThrottled,
			httpRequests,
			httpDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer exposes /metrics on its own listener for processes without an API.
func StartServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.Errorf("metrics server stopped: %v", err)
		}
	}()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. pattern labels the route so that
// path parameters do not explode label cardinality.
func Middleware(pattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			endpoint := pattern(r)
			httpDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
			httpRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		})
	}
}
