package application

import (
	"context"

	"github.com/k-code-yt/orderflow/internal/order/domain"
	"github.com/k-code-yt/orderflow/pkg/events"
)

// OrderRepository persists the aggregate, its transition log and outbox events
// in one commit.
type OrderRepository interface {
	// Create inserts a new order with its pending transitions and evts.
	Create(ctx context.Context, o *domain.Order, evts []*events.Event) error
	// Get returns a NonExistingKey error for unknown ids.
	Get(ctx context.Context, id string) (*domain.Order, error)
	// Save writes o if the stored version still equals expectedVersion and fails
	// with a VersionConflict error otherwise.
	Save(ctx context.Context, o *domain.Order, expectedVersion int64, evts []*events.Event) error
	History(ctx context.Context, id string) ([]domain.Transition, error)
}
