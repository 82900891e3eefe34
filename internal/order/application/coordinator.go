package application

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/k-code-yt/orderflow/internal/order/domain"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/idempotency"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/sirupsen/logrus"
)

const maxCASAttempts = 3

type CreateOrderCmd struct {
	OwnerID          string
	Items            []domain.LineItem
	IdempotencyToken string
}

type CreateOrderResult struct {
	Order *domain.Order
	// Replayed is true when the order was created by an earlier request with the
	// same idempotency token.
	Replayed bool
}

// Coordinator is the only writer of orders. Every mutation is a compare-and-set
// on the order version.
type Coordinator struct {
	repo OrderRepository
	idem idempotency.Store
	now  func() time.Time
}

func NewCoordinator(repo OrderRepository, idem idempotency.Store) *Coordinator {
	return &Coordinator{
		repo: repo,
		idem: idem,
		now:  time.Now,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func createTokenKey(ownerID, token string) string {
	return "order:create:" + ownerID + ":" + token
}

func itemsFingerprint(items []domain.LineItem) string {
	parts := make([]string, 0, len(items))
	for _, li := range items {
		parts = append(parts, li.ProductID+"|"+strconv.Itoa(li.Quantity)+"|"+li.UnitPrice.String())
	}
	sort.Strings(parts)
	return idempotency.Fingerprint(parts...)
}

func (c *Coordinator) CreateOrder(ctx context.Context, cmd CreateOrderCmd) (*CreateOrderResult, error) {
	if err := domain.ValidateItems(cmd.OwnerID, cmd.Items); err != nil {
		return nil, err
	}

	var tokenKey, fingerprint string
	if cmd.IdempotencyToken != "" {
		tokenKey = createTokenKey(cmd.OwnerID, cmd.IdempotencyToken)
		fingerprint = itemsFingerprint(cmd.Items)

		rec, acquired, err := c.idem.Begin(ctx, tokenKey, fingerprint)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return c.replayCreate(ctx, tokenKey, fingerprint, rec)
		}
	}

	o, err := domain.NewOrder(cmd.OwnerID, cmd.Items, c.now())
	if err != nil {
		c.releaseToken(ctx, tokenKey)
		return nil, err
	}
	req, err := o.RequestPayment(c.now())
	if err != nil {
		c.releaseToken(ctx, tokenKey)
		return nil, err
	}

	if err := c.repo.Create(ctx, o, []*events.Event{req}); err != nil {
		c.releaseToken(ctx, tokenKey)
		logrus.WithFields(logrus.Fields{
			"OWNER_ID": cmd.OwnerID,
		}).Errorf("ORDER:CREATE_FAILED %v", err)
		if pkgerrors.GetErrorCode(err) == pkgerrors.CodeUnknown {
			return nil, pkgerrors.NewPersistenceError(err)
		}
		return nil, err
	}
	c.observe(o)
	o.ClearPending()

	if tokenKey != "" {
		if err := c.idem.Complete(ctx, tokenKey, fingerprint, []byte(o.ID)); err != nil {
			logrus.WithField("ORDER_ID", o.ID).Warnf("ORDER:TOKEN_COMPLETE_FAILED %v", err)
		}
	}

	metrics.OrdersCreated.Inc()
	logrus.WithFields(logrus.Fields{
		"ORDER_ID":    o.ID,
		"OWNER_ID":    o.OwnerID,
		"TOTAL":       o.Total.String(),
		"ATTEMPT_SEQ": o.AttemptSeq,
	}).Info("ORDER:CREATED")

	return &CreateOrderResult{Order: o}, nil
}

func (c *Coordinator) replayCreate(ctx context.Context, key, fingerprint string, rec *idempotency.Record) (*CreateOrderResult, error) {
	if rec.Fingerprint != fingerprint {
		return nil, pkgerrors.NewValidationError("idempotency key was used with a different request")
	}
	if !rec.Completed() {
		return nil, pkgerrors.NewRequestInFlightError(key)
	}
	o, err := c.repo.Get(ctx, string(rec.Result))
	if err != nil {
		return nil, err
	}
	metrics.IdempotencyHits.WithLabelValues("create_order").Inc()
	return &CreateOrderResult{Order: o, Replayed: true}, nil
}

func (c *Coordinator) releaseToken(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.idem.Release(ctx, key); err != nil {
		logrus.Warnf("ORDER:TOKEN_RELEASE_FAILED %v", err)
	}
}

// mutate loads the order, applies fn and saves it with a version check, re-reading
// and re-applying on a concurrent write.
func (c *Coordinator) mutate(ctx context.Context, orderID string, fn func(o *domain.Order) ([]*events.Event, error)) (*domain.Order, error) {
	for attempt := 1; ; attempt++ {
		o, err := c.repo.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		expected := o.Version

		evts, err := fn(o)
		if err != nil {
			return o, err
		}
		if len(o.PendingTransitions()) == 0 {
			return o, nil
		}

		err = c.repo.Save(ctx, o, expected, evts)
		if err == nil {
			c.observe(o)
			o.ClearPending()
			return o, nil
		}
		if !pkgerrors.IsVersionConflictError(err) || attempt >= maxCASAttempts {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"ORDER_ID": orderID,
			"VERSION":  expected,
			"ATTEMPT":  attempt,
		}).Warn("ORDER:VERSION_CONFLICT")
	}
}

func (c *Coordinator) observe(o *domain.Order) {
	for _, tr := range o.PendingTransitions() {
		from := string(tr.From)
		if from == "" {
			from = "NONE"
		}
		metrics.OrderTransitions.WithLabelValues(from, string(tr.To)).Inc()
		logrus.WithFields(logrus.Fields{
			"ORDER_ID": o.ID,
			"FROM":     tr.From,
			"TO":       tr.To,
			"VERSION":  tr.Version,
			"REASON":   tr.Reason,
		}).Info("ORDER:TRANSITION")
	}
}

// staleIfMissing turns events for unknown orders into discards.
func staleIfMissing(evt *events.Event, err error) error {
	if pkgerrors.IsNonExistingKeyError(err) {
		return pkgerrors.NewStaleEventError("%s for unknown order %s", evt.Type, evt.OrderID)
	}
	return err
}

func (c *Coordinator) OnPaymentOutcome(ctx context.Context, evt *events.Event) error {
	_, err := c.mutate(ctx, evt.OrderID, func(o *domain.Order) ([]*events.Event, error) {
		return o.ApplyPaymentOutcome(evt, c.now())
	})
	return staleIfMissing(evt, err)
}

func (c *Coordinator) OnCompensationCompleted(ctx context.Context, evt *events.Event) error {
	_, err := c.mutate(ctx, evt.OrderID, func(o *domain.Order) ([]*events.Event, error) {
		return nil, o.ApplyCompensationCompleted(evt, c.now())
	})
	return staleIfMissing(evt, err)
}

func (c *Coordinator) OnFulfillmentConfirmed(ctx context.Context, evt *events.Event) error {
	_, err := c.mutate(ctx, evt.OrderID, func(o *domain.Order) ([]*events.Event, error) {
		return nil, o.ApplyFulfillmentConfirmed(c.now())
	})
	return staleIfMissing(evt, err)
}

var errNotOwner = errors.New("order belongs to another owner")

func (c *Coordinator) CancelOrder(ctx context.Context, orderID, ownerID string) (*domain.Order, error) {
	return c.mutate(ctx, orderID, func(o *domain.Order) ([]*events.Event, error) {
		if o.OwnerID != ownerID {
			return nil, pkgerrors.NewNonExistingKeyError(errNotOwner)
		}
		evts, _, err := o.Cancel(c.now())
		return evts, err
	})
}

// GetOrder hides orders of other owners behind a not-found error.
func (c *Coordinator) GetOrder(ctx context.Context, orderID, ownerID string) (*domain.Order, error) {
	o, err := c.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != ownerID {
		return nil, pkgerrors.NewNonExistingKeyError(errNotOwner)
	}
	return o, nil
}

func (c *Coordinator) History(ctx context.Context, orderID, ownerID string) ([]domain.Transition, error) {
	if _, err := c.GetOrder(ctx, orderID, ownerID); err != nil {
		return nil, err
	}
	return c.repo.History(ctx, orderID)
}
