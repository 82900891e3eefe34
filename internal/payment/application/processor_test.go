package application

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/domain"
	"github.com/k-code-yt/orderflow/internal/payment/infra/memory"
	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/idempotency"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRail answers charges with chargeErr, or approves them, and remembers every key.
type fakeRail struct {
	mu        sync.Mutex
	chargeErr error
	hang      bool
	charges   map[string]int
	refunds   map[string]int
	status    map[string]*rail.Receipt
}

func newFakeRail() *fakeRail {
	return &fakeRail{
		charges: map[string]int{},
		refunds: map[string]int{},
		status:  map[string]*rail.Receipt{},
	}
}

func (f *fakeRail) Charge(ctx context.Context, req rail.ChargeRequest) (*rail.Receipt, error) {
	f.mu.Lock()
	f.charges[req.IdempotencyKey]++
	hang, err := f.hang, f.chargeErr
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &rail.Receipt{Key: req.IdempotencyKey, Status: rail.ChargeStatus_Succeeded, Reference: "ch_" + req.IdempotencyKey, Amount: req.Amount}, nil
}

func (f *fakeRail) Refund(ctx context.Context, req rail.RefundRequest) (*rail.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds[req.ChargeKey]++
	return &rail.Receipt{Key: req.IdempotencyKey, Status: rail.ChargeStatus_Refunded, Reference: "re_" + req.ChargeKey, Refunded: true}, nil
}

func (f *fakeRail) Status(ctx context.Context, key string) (*rail.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.status[key]
	if !ok {
		return nil, resilience.NonRetryable(rail.ErrChargeNotFound)
	}
	return r, nil
}

func (f *fakeRail) chargeCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.charges[key]
}

type recordingPublisher struct {
	mu   sync.Mutex
	evts []*events.Event
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, evt *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.evts = append(p.evts, evt)
	return nil
}

func (p *recordingPublisher) last() *events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.evts) == 0 {
		return nil
	}
	return p.evts[len(p.evts)-1]
}

type fixture struct {
	proc   *Processor
	ledger *memory.Ledger
	idem   *idempotency.MemoryStore
	rail   *fakeRail
	pub    *recordingPublisher
	policy *resilience.Policy
}

func testPolicy(maxRetries int) *resilience.Policy {
	return resilience.NewPolicy("rail", resilience.PolicyConfig{
		Timeout: 50 * time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxRetries:      maxRetries,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2,
		},
		Breaker: resilience.BreakerConfig{
			WindowSize:   10,
			MinimumCalls: 6,
			FailureRatio: 0.5,
			OpenTimeout:  time.Minute,
		},
	})
}

func newFixture() *fixture {
	f := &fixture{
		ledger: memory.NewLedger(),
		idem:   idempotency.NewMemoryStore(idempotency.DefaultTTLConfig()),
		rail:   newFakeRail(),
		pub:    &recordingPublisher{},
		policy: testPolicy(0),
	}
	f.proc = NewProcessor(f.ledger, f.idem, f.rail, f.policy, f.pub)
	return f
}

func paymentRequested(orderID string, seq int) *events.Event {
	return events.NewEvent(events.EventType_PaymentRequested, events.Payload{
		OrderID:        orderID,
		Amount:         decimal.RequireFromString("25.00"),
		IdempotencyKey: "pay:" + orderID + ":1",
		AttemptSeq:     seq,
		OrderVersion:   2,
	})
}

func TestChargeSucceeds(t *testing.T) {
	f := newFixture()
	req := paymentRequested("o-1", 1)

	require.NoError(t, f.proc.OnPaymentRequested(context.Background(), req))

	out := f.pub.last()
	require.NotNil(t, out)
	assert.Equal(t, events.EventType_PaymentSucceeded, out.Type)
	assert.Equal(t, "o-1", out.OrderID)
	assert.Equal(t, 1, out.Payload.AttemptSeq)
	assert.Equal(t, int64(2), out.Payload.OrderVersion)
	assert.Equal(t, "ch_pay:o-1:1", out.Payload.RailReference)

	a, err := f.ledger.GetByKey(context.Background(), "pay:o-1:1")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatus_Succeeded, a.Status)
	assert.Equal(t, a.ID, out.Payload.PaymentID)
}

func TestReplayedRequestChargesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)

	require.NoError(t, f.proc.OnPaymentRequested(ctx, req))
	err := f.proc.OnPaymentRequested(ctx, req)

	assert.True(t, pkgerrors.IsDuplicateRequestError(err))
	assert.Equal(t, 1, f.rail.chargeCalls("pay:o-1:1"))
	require.Len(t, f.pub.evts, 2)
	assert.Equal(t, f.pub.evts[0].EventID, f.pub.evts[1].EventID, "cached outcome is republished as is")

	succeeded := 0
	for _, a := range f.ledger.All("o-1") {
		if a.Status == domain.AttemptStatus_Succeeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestConcurrentDeliveriesChargeOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.proc.OnPaymentRequested(ctx, req)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.rail.chargeCalls("pay:o-1:1"))
	assert.Len(t, f.ledger.All("o-1"), 1)
}

func TestLostCacheFallsBackToLedger(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)
	require.NoError(t, f.proc.OnPaymentRequested(ctx, req))

	require.NoError(t, f.idem.Release(ctx, "pay:o-1:1"))
	require.NoError(t, f.proc.OnPaymentRequested(ctx, req))

	assert.Equal(t, 1, f.rail.chargeCalls("pay:o-1:1"))
	assert.Equal(t, events.EventType_PaymentSucceeded, f.pub.last().Type)
}

func TestInFlightKeyIsRetryable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)
	fp := chargeFingerprint("o-1", 1, req.Payload.Amount)
	_, acquired, err := f.idem.Begin(ctx, "pay:o-1:1", fp)
	require.NoError(t, err)
	require.True(t, acquired)

	err = f.proc.OnPaymentRequested(ctx, req)

	assert.True(t, pkgerrors.IsRequestInFlightError(err))
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Zero(t, f.rail.chargeCalls("pay:o-1:1"))
}

func TestFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		hang   bool
		reason string
	}{
		{name: "declined", err: resilience.NonRetryable(rail.ErrDeclined), reason: events.Reason_Declined},
		{name: "server error", err: &rail.StatusError{Code: 500}, reason: events.Reason_RailError},
		{name: "timeout", hang: true, reason: events.Reason_Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.rail.chargeErr = tt.err
			f.rail.hang = tt.hang

			require.NoError(t, f.proc.OnPaymentRequested(context.Background(), paymentRequested("o-1", 1)))

			out := f.pub.last()
			require.NotNil(t, out)
			assert.Equal(t, events.EventType_PaymentFailed, out.Type)
			assert.Equal(t, tt.reason, out.Payload.Reason)
		})
	}
}

func TestOpenBreakerFailsFast(t *testing.T) {
	f := newFixture()
	f.rail.hang = true
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, f.proc.OnPaymentRequested(ctx, paymentRequested("o-"+strconv.Itoa(i), 1)))
		assert.Equal(t, events.Reason_Timeout, f.pub.last().Payload.Reason)
	}
	require.Equal(t, resilience.StateOpen, f.policy.Breaker().State())

	require.NoError(t, f.proc.OnPaymentRequested(ctx, paymentRequested("o-7", 1)))
	assert.Equal(t, events.Reason_ServiceUnavailable, f.pub.last().Payload.Reason)
	assert.Zero(t, f.rail.chargeCalls("pay:o-7:1"))
}

func TestPublishFailureIsRetriedFromCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)

	f.pub.err = errors.New("broker down")
	err := f.proc.OnPaymentRequested(ctx, req)
	assert.True(t, pkgerrors.IsDownstreamUnavailableError(err))

	f.pub.err = nil
	err = f.proc.OnPaymentRequested(ctx, req)
	assert.True(t, pkgerrors.IsDuplicateRequestError(err))
	assert.Equal(t, events.EventType_PaymentSucceeded, f.pub.last().Type)
	assert.Equal(t, 1, f.rail.chargeCalls("pay:o-1:1"))
}

func TestLedgerFailureReleasesKey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)

	f.ledger.FailNextWrite(errors.New("mongo down"))
	err := f.proc.OnPaymentRequested(ctx, req)
	assert.True(t, pkgerrors.IsPersistenceError(err))

	require.NoError(t, f.proc.OnPaymentRequested(ctx, req))
	assert.Equal(t, events.EventType_PaymentSucceeded, f.pub.last().Type)
}

func TestCompensationRefundsSucceededAttempt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := paymentRequested("o-1", 1)
	require.NoError(t, f.proc.OnPaymentRequested(ctx, req))

	comp := events.NewEvent(events.EventType_CompensationRequested, req.Payload)
	require.NoError(t, f.proc.OnCompensationRequested(ctx, comp))
	require.NoError(t, f.proc.OnCompensationRequested(ctx, comp))

	a, err := f.ledger.GetByKey(ctx, "pay:o-1:1")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatus_Refunded, a.Status)
	assert.Equal(t, "re_pay:o-1:1", a.RefundReference)
	assert.Equal(t, 1, f.rail.refunds["pay:o-1:1"])

	out := f.pub.last()
	assert.Equal(t, events.EventType_CompensationCompleted, out.Type)
	assert.Equal(t, 1, out.Payload.AttemptSeq)
}

func TestCompensationWithoutChargeIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.rail.chargeErr = resilience.NonRetryable(rail.ErrDeclined)
	req := paymentRequested("o-1", 1)
	require.NoError(t, f.proc.OnPaymentRequested(ctx, req))

	require.NoError(t, f.proc.OnCompensationRequested(ctx, events.NewEvent(events.EventType_CompensationRequested, req.Payload)))
	assert.Equal(t, events.EventType_CompensationCompleted, f.pub.last().Type)
	assert.Empty(t, f.rail.refunds)

	unknown := events.NewEvent(events.EventType_CompensationRequested, events.Payload{OrderID: "o-9", AttemptSeq: 1})
	require.NoError(t, f.proc.OnCompensationRequested(ctx, unknown))
	assert.Equal(t, "o-9", f.pub.last().OrderID)
}
