package domain

import (
	"testing"
	"time"

	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func paymentRequested() *events.Event {
	return events.NewEvent(events.EventType_PaymentRequested, events.Payload{
		OrderID:        "o-1",
		Amount:         decimal.RequireFromString("25.00"),
		IdempotencyKey: "pay:o-1:1",
		AttemptSeq:     1,
		OrderVersion:   2,
	})
}

func TestNewAttemptFromRequest(t *testing.T) {
	a, err := NewAttempt(paymentRequested(), now)
	require.NoError(t, err)

	assert.Equal(t, AttemptStatus_Pending, a.Status)
	assert.Equal(t, "pay:o-1:1", a.IdempotencyKey)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, "refund:pay:o-1:1", a.RefundKey())
	assert.False(t, a.Terminal())
}

func TestNewAttemptRejectsBadRequest(t *testing.T) {
	evt := paymentRequested()
	evt.Payload.IdempotencyKey = ""
	_, err := NewAttempt(evt, now)
	assert.True(t, pkgerrors.IsValidationError(err))

	evt = paymentRequested()
	evt.Payload.Amount = decimal.Zero
	_, err = NewAttempt(evt, now)
	assert.True(t, pkgerrors.IsValidationError(err))
}

func TestAttemptLifecycle(t *testing.T) {
	a, err := NewAttempt(paymentRequested(), now)
	require.NoError(t, err)

	require.NoError(t, a.Submit(now))
	require.NoError(t, a.Succeed("ch_1", now))
	assert.True(t, a.Terminal())
	assert.Equal(t, int64(3), a.Version)

	evt, err := a.OutcomeEvent()
	require.NoError(t, err)
	assert.Equal(t, events.EventType_PaymentSucceeded, evt.Type)
	assert.Equal(t, a.ID, evt.Payload.PaymentID)
	assert.Equal(t, "ch_1", evt.Payload.RailReference)
	assert.Equal(t, 1, evt.Payload.AttemptSeq)
	assert.Equal(t, int64(2), evt.Payload.OrderVersion)

	require.NoError(t, a.Refund("re_1", now))
	assert.Equal(t, AttemptStatus_Refunded, a.Status)
	assert.True(t, pkgerrors.IsValidationError(a.Refund("re_2", now)))
}

func TestFailedAttemptOutcome(t *testing.T) {
	a, err := NewAttempt(paymentRequested(), now)
	require.NoError(t, err)
	require.NoError(t, a.Submit(now))
	require.NoError(t, a.Fail(events.Reason_Timeout, now))

	evt, err := a.OutcomeEvent()
	require.NoError(t, err)
	assert.Equal(t, events.EventType_PaymentFailed, evt.Type)
	assert.Equal(t, events.Reason_Timeout, evt.Payload.Reason)

	// phantom charge found later
	require.NoError(t, a.Refund("re_1", now))
	evt, err = a.OutcomeEvent()
	require.NoError(t, err)
	assert.Equal(t, events.EventType_PaymentFailed, evt.Type)
}

func TestPendingAttemptHasNoOutcome(t *testing.T) {
	a, err := NewAttempt(paymentRequested(), now)
	require.NoError(t, err)

	_, err = a.OutcomeEvent()
	assert.Error(t, err)
	assert.True(t, pkgerrors.IsValidationError(a.Succeed("ch_1", now)), "must be submitted first")
}
