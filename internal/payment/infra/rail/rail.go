package rail

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ChargeStatus_Succeeded = "SUCCEEDED"
	ChargeStatus_Declined  = "DECLINED"
	ChargeStatus_Refunded  = "REFUNDED"
)

var (
	ErrDeclined       = errors.New("charge declined")
	ErrChargeNotFound = errors.New("charge not found")
)

type ChargeRequest struct {
	IdempotencyKey string          `json:"-"`
	OrderID        string          `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
}

type RefundRequest struct {
	IdempotencyKey string          `json:"-"`
	ChargeKey      string          `json:"chargeKey"`
	Amount         decimal.Decimal `json:"amount"`
}

// Receipt is the rail's view of a charge or a refund.
type Receipt struct {
	Key       string          `json:"key"`
	Status    string          `json:"status"`
	Reference string          `json:"reference,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	Refunded  bool            `json:"refunded,omitempty"`
}

// StatusError is a response the rail answered with an unexpected status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment rail responded %d: %s", e.Code, e.Body)
}
