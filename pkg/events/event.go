package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventType_PaymentRequested      EventType = "PaymentRequested"
	EventType_PaymentSucceeded      EventType = "PaymentSucceeded"
	EventType_PaymentFailed         EventType = "PaymentFailed"
	EventType_CompensationRequested EventType = "CompensationRequested"
	EventType_CompensationCompleted EventType = "CompensationCompleted"
	EventType_FulfillmentConfirmed  EventType = "FulfillmentConfirmed"
)

// Failure reasons carried by PaymentFailed.
const (
	Reason_ServiceUnavailable = "ServiceUnavailable"
	Reason_Timeout            = "Timeout"
	Reason_Declined           = "Declined"
	Reason_RailError          = "RailError"
)

type Payload struct {
	OrderID        string          `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
	AttemptSeq     int             `json:"attemptSeq"`
	OrderVersion   int64           `json:"orderVersion"`
	PaymentID      string          `json:"paymentId,omitempty"`
	RailReference  string          `json:"railReference,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Event is immutable once published. OrderID is the partition key.
type Event struct {
	EventID   string    `json:"eventId"`
	OrderID   string    `json:"orderId"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
	EmittedAt time.Time `json:"emittedAt"`
}

func NewEvent(eventType EventType, payload Payload) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		OrderID:   payload.OrderID,
		Type:      eventType,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
}

func (e *Event) Topic() string {
	return TopicFor(e.Type)
}

func (e *Event) Validate() error {
	if e.EventID == "" {
		return pkgerrors.NewValidationError("event id is empty")
	}
	if e.OrderID == "" {
		return pkgerrors.NewValidationError("event %s has no order id", e.EventID)
	}
	if e.Payload.OrderID != "" && e.Payload.OrderID != e.OrderID {
		return pkgerrors.NewValidationError("event %s partition key %s != payload order %s", e.EventID, e.OrderID, e.Payload.OrderID)
	}
	if TopicFor(e.Type) == "" {
		return pkgerrors.NewValidationError("unknown event type %q", e.Type)
	}
	return nil
}

func (e *Event) String() string {
	return fmt.Sprintf("%s{id=%s, order=%s, seq=%d}", e.Type, e.EventID, e.OrderID, e.Payload.AttemptSeq)
}

func TopicFor(t EventType) string {
	switch t {
	case EventType_PaymentRequested, EventType_CompensationRequested:
		return pkgconstants.Topic_PaymentRequests
	case EventType_PaymentSucceeded, EventType_PaymentFailed, EventType_CompensationCompleted:
		return pkgconstants.Topic_PaymentOutcomes
	case EventType_FulfillmentConfirmed:
		return pkgconstants.Topic_FulfillmentConfirmed
	}
	return ""
}

type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}
