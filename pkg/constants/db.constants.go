package pkgconstants

const (
	DBNameOrders                = "orders"
	DBTableName_Orders          = "orders"
	DBTableName_OrderItems      = "order_items"
	DBTableName_OrderTransition = "order_transitions"
	DBTableName_OutboxEvents    = "events"

	MongoDBNamePayments      = "payments"
	MongoCollection_Payments = "payments"
)
