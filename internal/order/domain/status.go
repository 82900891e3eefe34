package domain

type OrderStatus string

const (
	OrderStatus_Created         OrderStatus = "CREATED"
	OrderStatus_AwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatus_Paid            OrderStatus = "PAID"
	OrderStatus_Completed       OrderStatus = "COMPLETED"
	OrderStatus_PaymentFailed   OrderStatus = "PAYMENT_FAILED"
	OrderStatus_Cancelled       OrderStatus = "CANCELLED"
	OrderStatus_RefundPending   OrderStatus = "REFUND_PENDING"
)

var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatus_Created:         {OrderStatus_AwaitingPayment, OrderStatus_Cancelled},
	OrderStatus_AwaitingPayment: {OrderStatus_Paid, OrderStatus_PaymentFailed, OrderStatus_Cancelled},
	OrderStatus_Paid:            {OrderStatus_Completed, OrderStatus_RefundPending},
	OrderStatus_PaymentFailed:   {OrderStatus_Cancelled},
	OrderStatus_Cancelled:       {OrderStatus_RefundPending},
	OrderStatus_RefundPending:   {OrderStatus_Cancelled},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ClientTerminal reports the states a client sees as final.
func (s OrderStatus) ClientTerminal() bool {
	return s == OrderStatus_Completed || s == OrderStatus_Cancelled
}

func (s OrderStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok || s == OrderStatus_Completed
}
