package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/k-code-yt/orderflow/pkg/metrics"
)

var ErrTimeout = errors.New("call timed out")

type PolicyConfig struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker BreakerConfig
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Timeout: 2 * time.Second,
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultBreakerConfig(),
	}
}

// Call describes one logical invocation. Only idempotent or read-only calls are retried.
type Call struct {
	Op         string
	Idempotent bool
}

// Policy composes Retry(Breaker(Timeout(fn))) for a single downstream.
type Policy struct {
	name    string
	timeout time.Duration
	retry   RetryConfig
	breaker *CircuitBreaker
}

func NewPolicy(name string, cfg PolicyConfig, opts ...BreakerOption) *Policy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPolicyConfig().Timeout
	}
	return &Policy{
		name:    name,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: NewCircuitBreaker(name, cfg.Breaker, opts...),
	}
}

func (p *Policy) Name() string {
	return p.name
}

func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

func (p *Policy) Execute(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	attempt := func() error {
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.withTimeout(ctx, fn)
		})
	}

	var err error
	if call.Idempotent && p.retry.MaxRetries > 0 {
		err = Retry(ctx, p.retry, attempt)
	} else {
		err = attempt()
	}

	metrics.DownstreamCalls.WithLabelValues(p.name, call.Op, resultLabel(err)).Inc()
	return err
}

// withTimeout bounds fn even when it ignores its context; a late result is dropped.
func (p *Policy) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resCh := make(chan error, 1)
	go func() {
		resCh <- fn(actx)
	}()

	select {
	case err := <-resCh:
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrTimeout, p.timeout, err)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
	}
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "rejected"
	case IsTimeout(err):
		return "timeout"
	case IsNonRetryable(err):
		return "client_error"
	}
	return "error"
}

// Do runs fn through p and returns its value. A value produced by an attempt that
// already timed out is discarded.
func Do[T any](ctx context.Context, p *Policy, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		res T
	)
	err := p.Execute(ctx, call, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		res = v
		mu.Unlock()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}
