package pkgconstants

const (
	Topic_PaymentRequests      = "orders.payment-requests"
	Topic_PaymentOutcomes      = "payments.outcomes"
	Topic_FulfillmentConfirmed = "fulfillment.confirmations"

	ConsumerGroup_Orders   = "order-coordinator"
	ConsumerGroup_Payments = "payment-processor"

	HeaderKey_EventType = "event_type"

	Downstream_PaymentRail = "payment-rail"
)
