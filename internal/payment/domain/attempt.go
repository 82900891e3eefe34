package domain

import (
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptStatus_Pending   AttemptStatus = "PENDING"
	AttemptStatus_Submitted AttemptStatus = "SUBMITTED"
	AttemptStatus_Succeeded AttemptStatus = "SUCCEEDED"
	AttemptStatus_Failed    AttemptStatus = "FAILED"
	AttemptStatus_Refunded  AttemptStatus = "REFUNDED"
)

// FAILED -> REFUNDED only happens for a charge the rail took after we gave up on it.
var allowedTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptStatus_Pending:   {AttemptStatus_Submitted},
	AttemptStatus_Submitted: {AttemptStatus_Succeeded, AttemptStatus_Failed},
	AttemptStatus_Succeeded: {AttemptStatus_Refunded},
	AttemptStatus_Failed:    {AttemptStatus_Refunded},
}

func CanTransition(from, to AttemptStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attempt is one charge of an order's payment attempt. IdempotencyKey is unique
// across the ledger, so a replayed request always maps to the same row.
type Attempt struct {
	ID              string
	IdempotencyKey  string
	OrderID         string
	AttemptSeq      int
	OrderVersion    int64
	Amount          decimal.Decimal
	Status          AttemptStatus
	FailureReason   string
	RailReference   string
	RefundReference string
	Reconciled      bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewAttempt(evt *events.Event, now time.Time) (*Attempt, error) {
	p := evt.Payload
	if p.IdempotencyKey == "" {
		return nil, pkgerrors.NewValidationError("payment request %s has no idempotency key", evt.EventID)
	}
	if !p.Amount.IsPositive() {
		return nil, pkgerrors.NewValidationError("payment request %s has non-positive amount %s", evt.EventID, p.Amount)
	}
	now = now.UTC()
	return &Attempt{
		ID:             uuid.NewString(),
		IdempotencyKey: p.IdempotencyKey,
		OrderID:        evt.OrderID,
		AttemptSeq:     p.AttemptSeq,
		OrderVersion:   p.OrderVersion,
		Amount:         p.Amount,
		Status:         AttemptStatus_Pending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (a *Attempt) Terminal() bool {
	switch a.Status {
	case AttemptStatus_Succeeded, AttemptStatus_Failed, AttemptStatus_Refunded:
		return true
	}
	return false
}

func (a *Attempt) transition(to AttemptStatus, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return pkgerrors.NewValidationError("payment %s cannot move from %s to %s", a.ID, a.Status, to)
	}
	a.Status = to
	a.Version++
	a.UpdatedAt = now.UTC()
	return nil
}

func (a *Attempt) Submit(now time.Time) error {
	return a.transition(AttemptStatus_Submitted, now)
}

func (a *Attempt) Succeed(railRef string, now time.Time) error {
	if err := a.transition(AttemptStatus_Succeeded, now); err != nil {
		return err
	}
	a.RailReference = railRef
	return nil
}

func (a *Attempt) Fail(reason string, now time.Time) error {
	if err := a.transition(AttemptStatus_Failed, now); err != nil {
		return err
	}
	a.FailureReason = reason
	return nil
}

// Refund records a reversal. A refunded FAILED attempt keeps its failure reason.
func (a *Attempt) Refund(refundRef string, now time.Time) error {
	if err := a.transition(AttemptStatus_Refunded, now); err != nil {
		return err
	}
	a.RefundReference = refundRef
	return nil
}

func (a *Attempt) MarkReconciled(now time.Time) {
	a.Reconciled = true
	a.Version++
	a.UpdatedAt = now.UTC()
}

// RefundKey is the idempotency key of the reversal of this attempt's charge.
func (a *Attempt) RefundKey() string {
	return "refund:" + a.IdempotencyKey
}

func (a *Attempt) payload() events.Payload {
	return events.Payload{
		OrderID:        a.OrderID,
		Amount:         a.Amount,
		IdempotencyKey: a.IdempotencyKey,
		AttemptSeq:     a.AttemptSeq,
		OrderVersion:   a.OrderVersion,
		PaymentID:      a.ID,
		RailReference:  a.RailReference,
	}
}

// OutcomeEvent is the event a terminal attempt answers its request with. A refunded
// attempt was charged, so it still answers with PaymentSucceeded unless it had failed.
func (a *Attempt) OutcomeEvent() (*events.Event, error) {
	p := a.payload()
	switch {
	case a.Status == AttemptStatus_Succeeded:
		return events.NewEvent(events.EventType_PaymentSucceeded, p), nil
	case a.Status == AttemptStatus_Refunded && a.FailureReason == "":
		return events.NewEvent(events.EventType_PaymentSucceeded, p), nil
	case a.Status == AttemptStatus_Failed, a.Status == AttemptStatus_Refunded:
		p.Reason = a.FailureReason
		return events.NewEvent(events.EventType_PaymentFailed, p), nil
	}
	return nil, pkgerrors.NewValidationError("payment %s in %s has no outcome yet", a.ID, a.Status)
}

func (a *Attempt) CompensationCompletedEvent(reason string) *events.Event {
	p := a.payload()
	p.Reason = reason
	return events.NewEvent(events.EventType_CompensationCompleted, p)
}
