package rail_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	"github.com/k-code-yt/orderflow/internal/railstub"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRail(t *testing.T, cfg railstub.Config, decide railstub.Decider) (*rail.Client, *railstub.Server) {
	t.Helper()
	stub := railstub.NewServer(cfg, railstub.WithDecider(decide))
	srv := httptest.NewServer(stub.Router())
	t.Cleanup(srv.Close)
	resolver := rail.NewStaticResolver(map[string]string{"rail": srv.URL + "/"})
	return rail.NewClient("rail", resolver), stub
}

func always(o railstub.Outcome) railstub.Decider {
	return func(op, key string) railstub.Outcome { return o }
}

func chargeReq(key string) rail.ChargeRequest {
	return rail.ChargeRequest{IdempotencyKey: key, OrderID: "o-1", Amount: decimal.RequireFromString("25.00")}
}

func TestChargeIsIdempotentByKey(t *testing.T) {
	client, stub := newRail(t, railstub.Config{}, always(railstub.Outcome_Approve))
	ctx := context.Background()

	first, err := client.Charge(ctx, chargeReq("pay:o-1:1"))
	require.NoError(t, err)
	second, err := client.Charge(ctx, chargeReq("pay:o-1:1"))
	require.NoError(t, err)

	assert.Equal(t, rail.ChargeStatus_Succeeded, first.Status)
	assert.True(t, strings.HasPrefix(first.Reference, "ch_"))
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 2, stub.ChargeCalls())
	assert.Equal(t, 1, stub.Charged())
}

func TestChargeDeclinedIsNonRetryable(t *testing.T) {
	client, _ := newRail(t, railstub.Config{}, always(railstub.Outcome_Decline))

	_, err := client.Charge(context.Background(), chargeReq("pay:o-1:1"))

	assert.ErrorIs(t, err, rail.ErrDeclined)
	assert.True(t, resilience.IsNonRetryable(err))
}

func TestChargeServerErrorIsRetryable(t *testing.T) {
	client, stub := newRail(t, railstub.Config{}, always(railstub.Outcome_Fail))

	_, err := client.Charge(context.Background(), chargeReq("pay:o-1:1"))

	var statusErr *rail.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.Code)
	assert.False(t, resilience.IsNonRetryable(err))
	assert.Equal(t, 0, stub.Charged())
}

func TestRefundAndStatus(t *testing.T) {
	client, _ := newRail(t, railstub.Config{}, always(railstub.Outcome_Approve))
	ctx := context.Background()

	charged, err := client.Charge(ctx, chargeReq("pay:o-1:1"))
	require.NoError(t, err)

	refund := rail.RefundRequest{IdempotencyKey: "refund:pay:o-1:1", ChargeKey: "pay:o-1:1", Amount: charged.Amount}
	first, err := client.Refund(ctx, refund)
	require.NoError(t, err)
	second, err := client.Refund(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, rail.ChargeStatus_Refunded, first.Status)
	assert.Equal(t, first.Reference, second.Reference)

	status, err := client.Status(ctx, "pay:o-1:1")
	require.NoError(t, err)
	assert.True(t, status.Refunded)
}

func TestUnknownChargeIsNotFound(t *testing.T) {
	client, _ := newRail(t, railstub.Config{}, always(railstub.Outcome_Approve))
	ctx := context.Background()

	_, err := client.Status(ctx, "pay:missing:1")
	assert.ErrorIs(t, err, rail.ErrChargeNotFound)
	assert.True(t, resilience.IsNonRetryable(err))

	_, err = client.Refund(ctx, rail.RefundRequest{IdempotencyKey: "refund:x", ChargeKey: "pay:missing:1"})
	assert.ErrorIs(t, err, rail.ErrChargeNotFound)
}

func TestUnresolvedRail(t *testing.T) {
	client := rail.NewClient("rail", rail.NewStaticResolver(nil))

	_, err := client.Charge(context.Background(), chargeReq("pay:o-1:1"))

	assert.True(t, resilience.IsNonRetryable(err))
}

func TestPhantomChargeSurfacesAsTimeout(t *testing.T) {
	client, stub := newRail(t, railstub.Config{PhantomDelay: time.Second}, always(railstub.Outcome_Phantom))
	cfg := resilience.DefaultPolicyConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	policy := resilience.NewPolicy("rail", cfg)

	_, err := resilience.Do(context.Background(), policy, resilience.Call{Op: "charge", Idempotent: true}, func(ctx context.Context) (*rail.Receipt, error) {
		return client.Charge(ctx, chargeReq("pay:o-1:1"))
	})
	assert.True(t, resilience.IsTimeout(err), "got %v", err)

	receipt, ok := stub.Lookup("pay:o-1:1")
	require.True(t, ok)
	assert.Equal(t, rail.ChargeStatus_Succeeded, receipt.Status)
}
