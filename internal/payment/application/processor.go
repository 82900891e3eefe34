package application

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/domain"
	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/idempotency"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const eventLogName = "event-log"

// Processor owns the payment ledger and is the only caller of the rail. Every
// charge goes through the idempotency store first, so one key is charged at most
// once no matter how often its request is delivered.
type Processor struct {
	ledger Ledger
	idem   idempotency.Store
	rail   Rail
	policy *resilience.Policy
	pub    events.Publisher
	now    func() time.Time
}

func NewProcessor(ledger Ledger, idem idempotency.Store, rail Rail, policy *resilience.Policy, pub events.Publisher) *Processor {
	return &Processor{
		ledger: ledger,
		idem:   idem,
		rail:   rail,
		policy: policy,
		pub:    pub,
		now:    time.Now,
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

func chargeFingerprint(orderID string, seq int, amount decimal.Decimal) string {
	return idempotency.Fingerprint(orderID, strconv.Itoa(seq), amount.String())
}

func attemptFingerprint(a *domain.Attempt) string {
	return chargeFingerprint(a.OrderID, a.AttemptSeq, a.Amount)
}

// failureReason maps a failed charge to the reason carried by PaymentFailed.
func failureReason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return events.Reason_ServiceUnavailable
	case resilience.IsTimeout(err):
		return events.Reason_Timeout
	case errors.Is(err, rail.ErrDeclined):
		return events.Reason_Declined
	}
	return events.Reason_RailError
}

func (p *Processor) OnPaymentRequested(ctx context.Context, evt *events.Event) error {
	key := evt.Payload.IdempotencyKey
	if key == "" {
		return pkgerrors.NewValidationError("payment request %s has no idempotency key", evt.EventID)
	}
	fp := chargeFingerprint(evt.OrderID, evt.Payload.AttemptSeq, evt.Payload.Amount)

	rec, acquired, err := p.idem.Begin(ctx, key, fp)
	if err != nil {
		return err
	}
	if !acquired {
		return p.replay(ctx, key, fp, rec)
	}

	out, err := p.charge(ctx, evt)
	if err != nil {
		// the next delivery must be able to pick the key up again
		p.release(key)
		return err
	}
	return p.finish(ctx, key, fp, out)
}

func (p *Processor) charge(ctx context.Context, evt *events.Event) (*events.Event, error) {
	a, err := p.loadOrCreate(ctx, evt)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return a.OutcomeEvent()
	}

	if a.Status == domain.AttemptStatus_Pending {
		expected := a.Version
		if err := a.Submit(p.now()); err != nil {
			return nil, err
		}
		if err := p.ledger.Update(ctx, a, expected); err != nil {
			return nil, err
		}
	}

	logger := logrus.WithFields(logrus.Fields{
		"ORDER_ID":    a.OrderID,
		"PAYMENT_ID":  a.ID,
		"KEY":         a.IdempotencyKey,
		"ATTEMPT_SEQ": a.AttemptSeq,
	})

	receipt, callErr := resilience.Do(ctx, p.policy, resilience.Call{Op: "charge", Idempotent: true}, func(ctx context.Context) (*rail.Receipt, error) {
		return p.rail.Charge(ctx, rail.ChargeRequest{
			IdempotencyKey: a.IdempotencyKey,
			OrderID:        a.OrderID,
			Amount:         a.Amount,
		})
	})
	if callErr != nil && ctx.Err() != nil {
		// shutting down, the attempt stays SUBMITTED for redelivery or the reconciler
		return nil, ctx.Err()
	}

	expected := a.Version
	if callErr == nil {
		err = a.Succeed(receipt.Reference, p.now())
	} else {
		reason := failureReason(callErr)
		if reason == events.Reason_ServiceUnavailable || reason == events.Reason_Timeout {
			logger.Warnf("PAYMENT:RAIL_UNAVAILABLE %v", pkgerrors.NewDownstreamUnavailableError(p.policy.Name(), callErr))
		} else {
			logger.Warnf("PAYMENT:CHARGE_FAILED %v", callErr)
		}
		err = a.Fail(reason, p.now())
	}
	if err != nil {
		return nil, err
	}
	if err := p.ledger.Update(ctx, a, expected); err != nil {
		return nil, err
	}

	metrics.PaymentOutcomes.WithLabelValues(string(a.Status), a.FailureReason).Inc()
	logger.WithFields(logrus.Fields{
		"STATUS": a.Status,
		"REASON": a.FailureReason,
	}).Info("PAYMENT:SETTLED")
	return a.OutcomeEvent()
}

func (p *Processor) loadOrCreate(ctx context.Context, evt *events.Event) (*domain.Attempt, error) {
	a, err := domain.NewAttempt(evt, p.now())
	if err != nil {
		return nil, err
	}
	err = p.ledger.Insert(ctx, a)
	if err == nil {
		return a, nil
	}
	if !pkgerrors.IsDuplicateKeyError(err) {
		return nil, err
	}
	return p.ledger.GetByKey(ctx, a.IdempotencyKey)
}

// replay answers a request whose key was seen before without touching the rail.
func (p *Processor) replay(ctx context.Context, key, fp string, rec *idempotency.Record) error {
	if rec.Fingerprint != fp {
		return pkgerrors.NewValidationError("idempotency key %s was used for a different payment", key)
	}
	metrics.IdempotencyHits.WithLabelValues("charge").Inc()

	if rec.Completed() {
		out := new(events.Event)
		if err := json.Unmarshal(rec.Result, out); err != nil {
			return pkgerrors.NewJSONParsingError(err)
		}
		if err := p.publish(ctx, out); err != nil {
			return err
		}
		return pkgerrors.NewDuplicateRequestError(key)
	}

	// in flight on another worker, or left behind by a crashed one
	a, err := p.ledger.GetByKey(ctx, key)
	if err != nil && !pkgerrors.IsNonExistingKeyError(err) {
		return err
	}
	if a != nil && a.Terminal() {
		out, err := a.OutcomeEvent()
		if err != nil {
			return err
		}
		if err := p.finish(ctx, key, fp, out); err != nil {
			return err
		}
		return pkgerrors.NewDuplicateRequestError(key)
	}
	return pkgerrors.NewRequestInFlightError(key)
}

// finish caches the outcome under key and publishes it.
func (p *Processor) finish(ctx context.Context, key, fp string, out *events.Event) error {
	data, err := json.Marshal(out)
	if err != nil {
		return pkgerrors.NewJSONParsingError(err)
	}
	if err := p.idem.Complete(ctx, key, fp, data); err != nil {
		logrus.WithField("KEY", key).Warnf("PAYMENT:CACHE_COMPLETE_FAILED %v", err)
	}
	return p.publish(ctx, out)
}

func (p *Processor) publish(ctx context.Context, out *events.Event) error {
	if err := p.pub.Publish(ctx, out); err != nil {
		return pkgerrors.NewDownstreamUnavailableError(eventLogName, err)
	}
	logrus.WithFields(logrus.Fields{
		"ORDER_ID": out.OrderID,
		"EVENT":    out.Type,
		"REASON":   out.Payload.Reason,
	}).Info("PAYMENT:OUTCOME_PUBLISHED")
	return nil
}

func (p *Processor) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.idem.Release(ctx, key); err != nil {
		logrus.WithField("KEY", key).Warnf("PAYMENT:CACHE_RELEASE_FAILED %v", err)
	}
}

// OnCompensationRequested reverses the charge of the attempt named by the event.
// Attempts that never took money are completed without a rail call.
func (p *Processor) OnCompensationRequested(ctx context.Context, evt *events.Event) error {
	logger := logrus.WithFields(logrus.Fields{
		"ORDER_ID":    evt.OrderID,
		"ATTEMPT_SEQ": evt.Payload.AttemptSeq,
	})

	a, err := p.ledger.FindByOrder(ctx, evt.OrderID, evt.Payload.AttemptSeq)
	if pkgerrors.IsNonExistingKeyError(err) {
		logger.Warn("PAYMENT:COMPENSATION_NO_ATTEMPT")
		payload := evt.Payload
		payload.Reason = "no payment attempt"
		return p.publish(ctx, events.NewEvent(events.EventType_CompensationCompleted, payload))
	}
	if err != nil {
		return err
	}

	reason := ""
	switch a.Status {
	case domain.AttemptStatus_Succeeded:
		if err := p.refund(ctx, a); err != nil {
			return err
		}
		logger.WithField("PAYMENT_ID", a.ID).Info("PAYMENT:REFUNDED")
	case domain.AttemptStatus_Refunded:
		reason = "already refunded"
	default:
		reason = "nothing to refund"
		logger.WithField("STATUS", a.Status).Info("PAYMENT:COMPENSATION_NOOP")
	}
	return p.publish(ctx, a.CompensationCompletedEvent(reason))
}

// refund reverses a's charge on the rail and records it. The rail deduplicates on
// the derived refund key.
func (p *Processor) refund(ctx context.Context, a *domain.Attempt) error {
	receipt, err := resilience.Do(ctx, p.policy, resilience.Call{Op: "refund", Idempotent: true}, func(ctx context.Context) (*rail.Receipt, error) {
		return p.rail.Refund(ctx, rail.RefundRequest{
			IdempotencyKey: a.RefundKey(),
			ChargeKey:      a.IdempotencyKey,
			Amount:         a.Amount,
		})
	})
	if errors.Is(err, rail.ErrChargeNotFound) {
		logrus.WithField("KEY", a.IdempotencyKey).Warn("PAYMENT:REFUND_UNKNOWN_CHARGE")
		return nil
	}
	if err != nil {
		return pkgerrors.NewDownstreamUnavailableError(p.policy.Name(), err)
	}

	expected := a.Version
	if err := a.Refund(receipt.Reference, p.now()); err != nil {
		return err
	}
	if err := p.ledger.Update(ctx, a, expected); err != nil {
		return err
	}
	metrics.PaymentOutcomes.WithLabelValues(string(a.Status), a.FailureReason).Inc()
	return nil
}
