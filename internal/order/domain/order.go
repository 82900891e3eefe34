package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/shopspring/decimal"
)

const (
	Reason_Created          = "order created"
	Reason_PaymentRequested = "payment requested"
	Reason_PaymentSucceeded = "payment succeeded"
	Reason_PaymentFailed    = "payment failed"
	Reason_CancelledByOwner = "cancelled by owner"
	Reason_LatePayment      = "payment succeeded after cancellation"
	Reason_AttemptSettled   = "pending attempt settled"
	Reason_Refunded         = "payment refunded"
	Reason_Fulfilled        = "fulfillment confirmed"
)

type LineItem struct {
	ProductID string          `json:"productId" db:"product_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice" db:"unit_price"`
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Transition is one row of the order's state log. AttemptSeq and PendingAttempt
// are the values after the transition so the log alone rebuilds the aggregate.
// From == To marks a settlement that changed no status.
type Transition struct {
	OrderID        string      `json:"orderId" db:"order_id"`
	From           OrderStatus `json:"from" db:"from_status"`
	To             OrderStatus `json:"to" db:"to_status"`
	Version        int64       `json:"version" db:"version"`
	AttemptSeq     int         `json:"attemptSeq" db:"attempt_seq"`
	PendingAttempt int         `json:"pendingAttempt" db:"pending_attempt"`
	PaymentID      string      `json:"paymentId,omitempty" db:"payment_id"`
	RailReference  string      `json:"railReference,omitempty" db:"rail_reference"`
	Reason         string      `json:"reason" db:"reason"`
	OccurredAt     time.Time   `json:"occurredAt" db:"occurred_at"`
}

type Order struct {
	ID             string          `db:"id"`
	OwnerID        string          `db:"owner_id"`
	Items          []LineItem      `db:"-"`
	Total          decimal.Decimal `db:"total_amount"`
	Status         OrderStatus     `db:"status"`
	Version        int64           `db:"version"`
	AttemptSeq     int             `db:"attempt_seq"`
	PendingAttempt int             `db:"pending_attempt"`
	PaymentID      string          `db:"payment_id"`
	RailReference  string          `db:"rail_reference"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`

	pending []Transition
}

// DeriveIdempotencyKey is the payment key for attempt seq of an order. The same
// attempt always maps to the same key, a new attempt never reuses one.
func DeriveIdempotencyKey(orderID string, seq int) string {
	return "pay:" + orderID + ":" + strconv.Itoa(seq)
}

func ValidateItems(ownerID string, items []LineItem) error {
	if ownerID == "" {
		return pkgerrors.NewValidationError("owner id is required")
	}
	if len(items) == 0 {
		return pkgerrors.NewValidationError("order must have at least one item")
	}
	for i, li := range items {
		if li.ProductID == "" {
			return pkgerrors.NewValidationError("item %d: product id is required", i)
		}
		if li.Quantity <= 0 {
			return pkgerrors.NewValidationError("item %d: quantity must be positive, got %d", i, li.Quantity)
		}
		if !li.UnitPrice.IsPositive() {
			return pkgerrors.NewValidationError("item %d: unit price must be positive, got %s", i, li.UnitPrice)
		}
	}
	return nil
}

func CalculateTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.Subtotal())
	}
	return total
}

func NewOrder(ownerID string, items []LineItem, now time.Time) (*Order, error) {
	if err := ValidateItems(ownerID, items); err != nil {
		return nil, err
	}
	now = now.UTC()
	o := &Order{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Items:     append([]LineItem(nil), items...),
		Total:     CalculateTotal(items),
		Status:    OrderStatus_Created,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.record("", OrderStatus_Created, Reason_Created, now)
	return o, nil
}

// Settled reports whether no state change can happen anymore, including the ones
// driven by an outstanding payment outcome.
func (o *Order) Settled() bool {
	switch o.Status {
	case OrderStatus_Completed:
		return true
	case OrderStatus_Cancelled:
		return o.PendingAttempt == 0
	}
	return false
}

func (o *Order) PendingTransitions() []Transition {
	return o.pending
}

func (o *Order) ClearPending() {
	o.pending = nil
}

func (o *Order) transition(to OrderStatus, reason string, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return pkgerrors.NewValidationError("order %s cannot move from %s to %s", o.ID, o.Status, to)
	}
	from := o.Status
	o.Status = to
	o.Version++
	o.UpdatedAt = now.UTC()
	o.record(from, to, reason, now)
	return nil
}

func (o *Order) settle(reason string, now time.Time) {
	o.Version++
	o.UpdatedAt = now.UTC()
	o.record(o.Status, o.Status, reason, now)
}

func (o *Order) record(from, to OrderStatus, reason string, now time.Time) {
	o.pending = append(o.pending, Transition{
		OrderID:        o.ID,
		From:           from,
		To:             to,
		Version:        o.Version,
		AttemptSeq:     o.AttemptSeq,
		PendingAttempt: o.PendingAttempt,
		PaymentID:      o.PaymentID,
		RailReference:  o.RailReference,
		Reason:         reason,
		OccurredAt:     now.UTC(),
	})
}

func (o *Order) newEvent(t events.EventType, reason string) *events.Event {
	return events.NewEvent(t, events.Payload{
		OrderID:        o.ID,
		Amount:         o.Total,
		IdempotencyKey: DeriveIdempotencyKey(o.ID, o.AttemptSeq),
		AttemptSeq:     o.AttemptSeq,
		OrderVersion:   o.Version,
		PaymentID:      o.PaymentID,
		RailReference:  o.RailReference,
		Reason:         reason,
	})
}

// RequestPayment opens a new payment attempt.
func (o *Order) RequestPayment(now time.Time) (*events.Event, error) {
	if o.PendingAttempt != 0 {
		return nil, pkgerrors.NewValidationError("order %s already awaits attempt %d", o.ID, o.PendingAttempt)
	}
	o.AttemptSeq++
	o.PendingAttempt = o.AttemptSeq
	if err := o.transition(OrderStatus_AwaitingPayment, Reason_PaymentRequested, now); err != nil {
		o.AttemptSeq--
		o.PendingAttempt = 0
		return nil, err
	}
	return o.newEvent(events.EventType_PaymentRequested, ""), nil
}

// ApplyPaymentOutcome folds a PaymentSucceeded/PaymentFailed event. Outcomes for
// anything but the attempt the order is waiting on are stale.
func (o *Order) ApplyPaymentOutcome(evt *events.Event, now time.Time) ([]*events.Event, error) {
	p := evt.Payload
	succeeded := evt.Type == events.EventType_PaymentSucceeded
	if !succeeded && evt.Type != events.EventType_PaymentFailed {
		return nil, pkgerrors.NewValidationError("%s is not a payment outcome", evt.Type)
	}
	if p.AttemptSeq != o.AttemptSeq {
		return nil, pkgerrors.NewStaleEventError("order %s: outcome for attempt %d, current attempt %d", o.ID, p.AttemptSeq, o.AttemptSeq)
	}
	if o.PendingAttempt != p.AttemptSeq {
		return nil, pkgerrors.NewStaleEventError("order %s: attempt %d already settled", o.ID, p.AttemptSeq)
	}

	switch o.Status {
	case OrderStatus_AwaitingPayment:
		if p.OrderVersion != o.Version {
			return nil, pkgerrors.NewStaleEventError("order %s: outcome for version %d, order at %d", o.ID, p.OrderVersion, o.Version)
		}
		o.PendingAttempt = 0
		if succeeded {
			o.PaymentID = p.PaymentID
			o.RailReference = p.RailReference
			return nil, o.transition(OrderStatus_Paid, Reason_PaymentSucceeded, now)
		}
		reason := Reason_PaymentFailed
		if p.Reason != "" {
			reason = fmt.Sprintf("%s: %s", Reason_PaymentFailed, p.Reason)
		}
		if err := o.transition(OrderStatus_PaymentFailed, reason, now); err != nil {
			return nil, err
		}
		return nil, o.transition(OrderStatus_Cancelled, reason, now)

	case OrderStatus_Cancelled:
		// cancelled by the owner while the attempt was in flight
		o.PendingAttempt = 0
		if !succeeded {
			o.settle(Reason_AttemptSettled, now)
			return nil, nil
		}
		o.PaymentID = p.PaymentID
		o.RailReference = p.RailReference
		if err := o.transition(OrderStatus_RefundPending, Reason_LatePayment, now); err != nil {
			return nil, err
		}
		return []*events.Event{o.newEvent(events.EventType_CompensationRequested, Reason_LatePayment)}, nil
	}

	return nil, pkgerrors.NewStaleEventError("order %s in %s does not await attempt %d", o.ID, o.Status, p.AttemptSeq)
}

func (o *Order) ApplyCompensationCompleted(evt *events.Event, now time.Time) error {
	if o.Status != OrderStatus_RefundPending {
		return pkgerrors.NewStaleEventError("order %s in %s has no refund pending", o.ID, o.Status)
	}
	if evt.Payload.AttemptSeq != o.AttemptSeq {
		return pkgerrors.NewStaleEventError("order %s: compensation for attempt %d, current attempt %d", o.ID, evt.Payload.AttemptSeq, o.AttemptSeq)
	}
	return o.transition(OrderStatus_Cancelled, Reason_Refunded, now)
}

func (o *Order) ApplyFulfillmentConfirmed(now time.Time) error {
	if o.Status != OrderStatus_Paid {
		return pkgerrors.NewStaleEventError("order %s in %s cannot be fulfilled", o.ID, o.Status)
	}
	return o.transition(OrderStatus_Completed, Reason_Fulfilled, now)
}

// Cancel applies an owner's cancellation. changed is false when the order was
// already cancelled or being refunded.
func (o *Order) Cancel(now time.Time) (evts []*events.Event, changed bool, err error) {
	switch o.Status {
	case OrderStatus_Created, OrderStatus_AwaitingPayment:
		return nil, true, o.transition(OrderStatus_Cancelled, Reason_CancelledByOwner, now)
	case OrderStatus_Paid:
		if err := o.transition(OrderStatus_RefundPending, Reason_CancelledByOwner, now); err != nil {
			return nil, false, err
		}
		return []*events.Event{o.newEvent(events.EventType_CompensationRequested, Reason_CancelledByOwner)}, true, nil
	case OrderStatus_Cancelled, OrderStatus_RefundPending:
		return nil, false, nil
	}
	return nil, false, pkgerrors.NewValidationError("order %s in %s cannot be cancelled", o.ID, o.Status)
}

// Rebuild replays the transition log over the creation snapshot.
func Rebuild(snapshot Order, log []Transition) (*Order, error) {
	o := snapshot
	o.Status = ""
	o.Version = 0
	o.AttemptSeq = 0
	o.PendingAttempt = 0
	o.PaymentID = ""
	o.RailReference = ""
	o.pending = nil
	o.Total = CalculateTotal(o.Items)

	for i, tr := range log {
		if tr.From != o.Status {
			return nil, fmt.Errorf("transition %d: log says from %s, replay is at %s", i, tr.From, o.Status)
		}
		if tr.From != "" && tr.From != tr.To && !CanTransition(tr.From, tr.To) {
			return nil, fmt.Errorf("transition %d: %s -> %s is not allowed", i, tr.From, tr.To)
		}
		if tr.Version != o.Version+1 {
			return nil, fmt.Errorf("transition %d: version %d after %d", i, tr.Version, o.Version)
		}
		o.Status = tr.To
		o.Version = tr.Version
		o.AttemptSeq = tr.AttemptSeq
		o.PendingAttempt = tr.PendingAttempt
		o.PaymentID = tr.PaymentID
		o.RailReference = tr.RailReference
		o.UpdatedAt = tr.OccurredAt
	}
	return &o, nil
}
