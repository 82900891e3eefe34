package outbox

import (
	"context"
	"time"

	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// PublishFunc publishes a batch and returns the ids that reached the event log.
type PublishFunc func(ctx context.Context, batch []*events.Event) []string

// Store hands pending outbox rows to publish and marks the returned ids as
// produced, all inside one transaction.
type Store interface {
	ProcessPending(ctx context.Context, limit int, publish PublishFunc) (int, error)
}

type Relay struct {
	store     Store
	publisher events.Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(store Store, publisher events.Publisher, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				logrus.Errorf("OUTBOX:RELAY_FAILED %v", err)
			}
		}
	}
}

// RelayOnce publishes one batch of pending events.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return r.store.ProcessPending(opCtx, r.batchSize, r.publish)
}

// publish keeps per-order ordering: once an event of an order fails, the later
// events of that order wait for the next round.
func (r *Relay) publish(ctx context.Context, batch []*events.Event) []string {
	blocked := map[string]struct{}{}
	produced := make([]string, 0, len(batch))

	for _, evt := range batch {
		if _, ok := blocked[evt.OrderID]; ok {
			continue
		}
		if err := r.publisher.Publish(ctx, evt); err != nil {
			blocked[evt.OrderID] = struct{}{}
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			logrus.WithFields(logrus.Fields{
				"EVENT_ID": evt.EventID,
				"ORDER_ID": evt.OrderID,
				"EVENT":    evt.Type,
			}).Errorf("OUTBOX:PUBLISH_FAILED %v", err)
			continue
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		produced = append(produced, evt.EventID)
	}
	return produced
}
