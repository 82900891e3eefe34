package handlers

import (
	"github.com/k-code-yt/orderflow/internal/order/application"
	"github.com/k-code-yt/orderflow/pkg/events"
)

// NewMsgRouter wires the coordinator to the events it consumes.
func NewMsgRouter(coord *application.Coordinator) *events.Router {
	r := events.NewRouter()
	r.AddHandler(coord.OnPaymentOutcome, events.EventType_PaymentSucceeded)
	r.AddHandler(coord.OnPaymentOutcome, events.EventType_PaymentFailed)
	r.AddHandler(coord.OnCompensationCompleted, events.EventType_CompensationCompleted)
	r.AddHandler(coord.OnFulfillmentConfirmed, events.EventType_FulfillmentConfirmed)
	return r
}
