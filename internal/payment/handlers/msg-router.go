package handlers

import (
	"github.com/k-code-yt/orderflow/internal/payment/application"
	"github.com/k-code-yt/orderflow/pkg/events"
)

func NewMsgRouter(proc *application.Processor) *events.Router {
	r := events.NewRouter()
	r.AddHandler(proc.OnPaymentRequested, events.EventType_PaymentRequested)
	r.AddHandler(proc.OnCompensationRequested, events.EventType_CompensationRequested)
	return r
}
