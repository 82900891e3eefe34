package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerConfig struct {
	// WindowSize is the number of most recent outcomes the failure ratio is computed over.
	WindowSize int
	// MinimumCalls recorded in the window before the ratio is evaluated.
	MinimumCalls int
	// FailureRatio in (0,1]; the breaker opens when failures/recorded >= FailureRatio.
	FailureRatio   float64
	OpenTimeout    time.Duration
	HalfOpenProbes int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:     10,
		MinimumCalls:   5,
		FailureRatio:   0.5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 1,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.MinimumCalls <= 0 || c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

type StateChangeHook func(name string, from, to State)

type stateChange struct {
	from, to State
}

type BreakerOption func(*CircuitBreaker)

func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

func WithStateChangeHook(hook StateChangeHook) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.hooks = append(cb.hooks, hook)
	}
}

// CircuitBreaker is shared by every caller of one downstream. Outcomes of calls
// admitted under an earlier state (generation) are dropped so a slow call that
// started before the breaker opened cannot close or reopen it.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	mu   *sync.Mutex

	state      State
	generation uint64
	window     []outcome
	pos        int
	recorded   int
	failures   int
	openedAt   time.Time
	probes     int
	probeOK    int

	now   func() time.Time
	hooks []StateChangeHook
}

func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cfg = cfg.normalize()
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		mu:     new(sync.Mutex),
		state:  StateClosed,
		window: make([]outcome, cfg.WindowSize),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	var changes []stateChange
	cb.refresh(&changes)
	s := cb.state
	cb.mu.Unlock()
	cb.notify(changes)
	return s
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(classify(ctx, err))
	return err
}

func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsNonRetryable(err):
		// a 4xx answer says nothing about the downstream's health
		return outcomeIgnored
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return outcomeIgnored
	}
	return outcomeFailure
}

func (cb *CircuitBreaker) allow() (func(outcome), error) {
	cb.mu.Lock()
	var changes []stateChange
	cb.refresh(&changes)

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		cb.notify(changes)
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenProbes {
			cb.mu.Unlock()
			cb.notify(changes)
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	gen := cb.generation
	cb.mu.Unlock()
	cb.notify(changes)

	return func(o outcome) {
		cb.record(gen, o)
	}, nil
}

func (cb *CircuitBreaker) record(gen uint64, o outcome) {
	cb.mu.Lock()
	var changes []stateChange
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}

	switch cb.state {
	case StateClosed:
		if o == outcomeIgnored {
			break
		}
		if cb.recorded == len(cb.window) {
			if cb.window[cb.pos] == outcomeFailure {
				cb.failures--
			}
		} else {
			cb.recorded++
		}
		cb.window[cb.pos] = o
		cb.pos = (cb.pos + 1) % len(cb.window)
		if o == outcomeFailure {
			cb.failures++
		}
		if cb.recorded >= cb.cfg.MinimumCalls &&
			float64(cb.failures)/float64(cb.recorded) >= cb.cfg.FailureRatio {
			cb.transition(StateOpen, &changes)
		}
	case StateHalfOpen:
		cb.probes--
		switch o {
		case outcomeFailure:
			cb.transition(StateOpen, &changes)
		case outcomeSuccess:
			cb.probeOK++
			if cb.probeOK >= cb.cfg.HalfOpenProbes {
				cb.transition(StateClosed, &changes)
			}
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

func (cb *CircuitBreaker) refresh(changes *[]stateChange) {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.cfg.OpenTimeout)) {
		cb.transition(StateHalfOpen, changes)
	}
}

func (cb *CircuitBreaker) transition(to State, changes *[]stateChange) {
	from := cb.state
	cb.state = to
	cb.generation++

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen:
		cb.probes = 0
		cb.probeOK = 0
	case StateClosed:
		cb.pos = 0
		cb.recorded = 0
		cb.failures = 0
	}
	*changes = append(*changes, stateChange{from: from, to: to})
}

func (cb *CircuitBreaker) notify(changes []stateChange) {
	for _, c := range changes {
		logrus.WithFields(logrus.Fields{
			"BREAKER": cb.name,
			"FROM":    c.from,
			"TO":      c.to,
		}).Warn("BREAKER:STATE_CHANGED")
		metrics.BreakerState.WithLabelValues(cb.name).Set(float64(c.to))
		for _, hook := range cb.hooks {
			hook(cb.name, c.from, c.to)
		}
	}
}
