package application

import (
	"context"
	"errors"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/domain"
	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/sirupsen/logrus"
)

type ReconcilerConfig struct {
	Interval  time.Duration
	BatchSize int
	// MinAge keeps the reconciler away from attempts a worker may still be charging.
	MinAge time.Duration
}

// Reconciler asks the rail for the truth about attempts we could not settle:
// attempts stuck before an outcome was recorded, and timed out charges the rail
// may have taken anyway.
type Reconciler struct {
	proc *Processor
	cfg  ReconcilerConfig
}

func NewReconciler(proc *Processor, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Minute
	}
	return &Reconciler{proc: proc, cfg: cfg}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	logrus.WithField("INTERVAL", r.cfg.Interval).Info("RECONCILE:STARTED")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				logrus.Errorf("RECONCILE:FAILED %v", err)
			}
		}
	}
}

// ReconcileOnce processes one batch of each kind and returns how many attempts
// changed. A failing attempt is skipped until the next round.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	before := r.proc.now().Add(-r.cfg.MinAge)
	fixed := 0

	stuck, err := r.proc.ledger.FindStuck(ctx, before, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, a := range stuck {
		ok, err := r.proc.resolveStuck(ctx, a)
		if err != nil {
			logrus.WithField("PAYMENT_ID", a.ID).Warnf("RECONCILE:STUCK_SKIPPED %v", err)
			continue
		}
		if ok {
			fixed++
		}
	}

	timedOut, err := r.proc.ledger.FindUnreconciled(ctx, events.Reason_Timeout, before, r.cfg.BatchSize)
	if err != nil {
		return fixed, err
	}
	for _, a := range timedOut {
		ok, err := r.proc.checkPhantom(ctx, a)
		if err != nil {
			logrus.WithField("PAYMENT_ID", a.ID).Warnf("RECONCILE:PHANTOM_SKIPPED %v", err)
			continue
		}
		if ok {
			fixed++
		}
	}

	if len(stuck) > 0 || len(timedOut) > 0 {
		logrus.WithFields(logrus.Fields{
			"STUCK":     len(stuck),
			"TIMED_OUT": len(timedOut),
			"FIXED":     fixed,
		}).Info("RECONCILE:ROUND")
	}
	return fixed, nil
}

func (p *Processor) railStatus(ctx context.Context, key string) (*rail.Receipt, error) {
	return resilience.Do(ctx, p.policy, resilience.Call{Op: "status", Idempotent: true}, func(ctx context.Context) (*rail.Receipt, error) {
		return p.rail.Status(ctx, key)
	})
}

// resolveStuck settles an attempt left PENDING or SUBMITTED and publishes its
// outcome. An attempt the rail never saw is failed as a timeout so a charge landing
// later is still caught by checkPhantom.
func (p *Processor) resolveStuck(ctx context.Context, a *domain.Attempt) (bool, error) {
	receipt, err := p.railStatus(ctx, a.IdempotencyKey)
	notFound := errors.Is(err, rail.ErrChargeNotFound)
	if err != nil && !notFound {
		return false, err
	}

	now := p.now()
	expected := a.Version
	if a.Status == domain.AttemptStatus_Pending {
		if err := a.Submit(now); err != nil {
			return false, err
		}
	}
	switch {
	case notFound:
		err = a.Fail(events.Reason_Timeout, now)
	case receipt.Status == rail.ChargeStatus_Declined:
		err = a.Fail(events.Reason_Declined, now)
	default:
		err = a.Succeed(receipt.Reference, now)
	}
	if err != nil {
		return false, err
	}

	if err := p.ledger.Update(ctx, a, expected); err != nil {
		if pkgerrors.IsVersionConflictError(err) {
			// a worker settled it meanwhile
			return false, nil
		}
		return false, err
	}
	metrics.PaymentOutcomes.WithLabelValues(string(a.Status), a.FailureReason).Inc()
	logrus.WithFields(logrus.Fields{
		"ORDER_ID":   a.OrderID,
		"PAYMENT_ID": a.ID,
		"STATUS":     a.Status,
	}).Info("RECONCILE:STUCK_RESOLVED")

	out, err := a.OutcomeEvent()
	if err != nil {
		return true, err
	}
	return true, p.finish(ctx, a.IdempotencyKey, attemptFingerprint(a), out)
}

// checkPhantom looks for money taken by a charge we recorded as timed out and
// gives it back. The order was already cancelled by the failure outcome.
func (p *Processor) checkPhantom(ctx context.Context, a *domain.Attempt) (bool, error) {
	receipt, err := p.railStatus(ctx, a.IdempotencyKey)
	notFound := errors.Is(err, rail.ErrChargeNotFound)
	if err != nil && !notFound {
		return false, err
	}

	charged := !notFound && receipt.Status != rail.ChargeStatus_Declined
	if charged {
		if err := p.refund(ctx, a); err != nil {
			return false, err
		}
		logrus.WithFields(logrus.Fields{
			"ORDER_ID":   a.OrderID,
			"PAYMENT_ID": a.ID,
			"KEY":        a.IdempotencyKey,
		}).Warn("RECONCILE:PHANTOM_CHARGE_REFUNDED")
	}

	expected := a.Version
	a.MarkReconciled(p.now())
	if err := p.ledger.Update(ctx, a, expected); err != nil {
		if pkgerrors.IsVersionConflictError(err) {
			return false, nil
		}
		return false, err
	}
	return charged, nil
}
