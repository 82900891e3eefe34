package railstub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func always(o Outcome) Decider {
	return func(op, key string) Outcome { return o }
}

func do(t *testing.T, s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set(rail.HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func chargeReq(key string) rail.ChargeRequest {
	return rail.ChargeRequest{IdempotencyKey: key, OrderID: "o-1", Amount: decimal.RequireFromString("12.50")}
}

func TestChargeRequiresKey(t *testing.T) {
	s := NewServer(Config{}, WithDecider(always(Outcome_Approve)))

	rec := do(t, s, http.MethodPost, "/v1/charges", "", chargeReq("k"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, s.Charged())
}

func TestChargeRejectsNonPositiveAmount(t *testing.T) {
	s := NewServer(Config{}, WithDecider(always(Outcome_Approve)))
	req := chargeReq("k")
	req.Amount = decimal.Zero

	rec := do(t, s, http.MethodPost, "/v1/charges", "k", req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayKeepsFirstOutcome(t *testing.T) {
	outcome := Outcome_Decline
	s := NewServer(Config{}, WithDecider(func(op, key string) Outcome { return outcome }))

	first := do(t, s, http.MethodPost, "/v1/charges", "k", chargeReq("k"))
	outcome = Outcome_Approve
	second := do(t, s, http.MethodPost, "/v1/charges", "k", chargeReq("k"))

	assert.Equal(t, http.StatusPaymentRequired, first.Code)
	assert.Equal(t, http.StatusPaymentRequired, second.Code)
	assert.Equal(t, 2, s.ChargeCalls())
	assert.Equal(t, 0, s.Charged())
}

func TestPhantomChargeIsRecorded(t *testing.T) {
	s := NewServer(Config{PhantomDelay: time.Millisecond}, WithDecider(always(Outcome_Phantom)))

	rec := do(t, s, http.MethodPost, "/v1/charges", "k", chargeReq("k"))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	receipt, ok := s.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, rail.ChargeStatus_Succeeded, receipt.Status)

	status := do(t, s, http.MethodGet, "/v1/charges/k", "", nil)
	assert.Equal(t, http.StatusOK, status.Code)
}

func TestRefundRules(t *testing.T) {
	outcome := Outcome_Approve
	s := NewServer(Config{}, WithDecider(func(op, key string) Outcome { return outcome }))
	do(t, s, http.MethodPost, "/v1/charges", "paid", chargeReq("paid"))
	outcome = Outcome_Decline
	do(t, s, http.MethodPost, "/v1/charges", "declined", chargeReq("declined"))
	outcome = Outcome_Approve

	unknown := do(t, s, http.MethodPost, "/v1/refunds", "refund:x", rail.RefundRequest{ChargeKey: "x"})
	assert.Equal(t, http.StatusNotFound, unknown.Code)

	declined := do(t, s, http.MethodPost, "/v1/refunds", "refund:declined", rail.RefundRequest{ChargeKey: "declined"})
	assert.Equal(t, http.StatusConflict, declined.Code)

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodPost, "/v1/refunds", "refund:paid", rail.RefundRequest{ChargeKey: "paid"})
		require.Equal(t, http.StatusOK, rec.Code)
		receipt := new(rail.Receipt)
		require.NoError(t, json.NewDecoder(rec.Body).Decode(receipt))
		assert.True(t, receipt.Refunded)
	}

	receipt, _ := s.Lookup("paid")
	assert.Equal(t, rail.ChargeStatus_Refunded, receipt.Status)
	assert.Equal(t, 3, s.RefundCalls())
}

func TestStatusUnknownKey(t *testing.T) {
	s := NewServer(Config{})

	rec := do(t, s, http.MethodGet, "/v1/charges/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
