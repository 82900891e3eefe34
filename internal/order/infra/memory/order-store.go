package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/k-code-yt/orderflow/internal/order/domain"
	"github.com/k-code-yt/orderflow/internal/order/outbox"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
)

var errOrderNotFound = errors.New("order not found")

type outboxRow struct {
	evt         *events.Event
	publishedAt time.Time
}

// OrderStore keeps orders, transitions and the outbox in memory with the same
// commit and version semantics as the postgres store.
type OrderStore struct {
	mu          *sync.Mutex
	orders      map[string]domain.Order
	transitions map[string][]domain.Transition
	outbox      []*outboxRow

	// set by FailNextWrite, consumed by the next write
	failNext error
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		mu:          new(sync.Mutex),
		orders:      make(map[string]domain.Order),
		transitions: make(map[string][]domain.Transition),
	}
}

func (s *OrderStore) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *OrderStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	if err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	return nil
}

func snapshot(o *domain.Order) domain.Order {
	cp := *o
	cp.Items = append([]domain.LineItem(nil), o.Items...)
	cp.ClearPending()
	return cp
}

func (s *OrderStore) Create(ctx context.Context, o *domain.Order, evts []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.orders[o.ID]; ok {
		return pkgerrors.NewDuplicateKeyError(errors.New(o.ID))
	}
	s.commit(o, evts)
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, pkgerrors.NewNonExistingKeyError(errOrderNotFound)
	}
	cp := snapshot(&o)
	return &cp, nil
}

func (s *OrderStore) Save(ctx context.Context, o *domain.Order, expectedVersion int64, evts []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	stored, ok := s.orders[o.ID]
	if !ok {
		return pkgerrors.NewNonExistingKeyError(errOrderNotFound)
	}
	if stored.Version != expectedVersion {
		return pkgerrors.NewVersionConflictError(o.ID, expectedVersion)
	}
	s.commit(o, evts)
	return nil
}

func (s *OrderStore) commit(o *domain.Order, evts []*events.Event) {
	s.orders[o.ID] = snapshot(o)
	s.transitions[o.ID] = append(s.transitions[o.ID], o.PendingTransitions()...)
	for _, e := range evts {
		s.outbox = append(s.outbox, &outboxRow{evt: e})
	}
}

func (s *OrderStore) History(ctx context.Context, id string) ([]domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return nil, pkgerrors.NewNonExistingKeyError(errOrderNotFound)
	}
	return append([]domain.Transition(nil), s.transitions[id]...), nil
}

func (s *OrderStore) ProcessPending(ctx context.Context, limit int, publish outbox.PublishFunc) (int, error) {
	s.mu.Lock()
	batch := []*events.Event{}
	for _, row := range s.outbox {
		if len(batch) >= limit {
			break
		}
		if row.publishedAt.IsZero() {
			batch = append(batch, row.evt)
		}
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	produced := publish(ctx, batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(produced))
	for _, id := range produced {
		ids[id] = struct{}{}
	}
	now := time.Now().UTC()
	for _, row := range s.outbox {
		if _, ok := ids[row.evt.EventID]; ok && row.publishedAt.IsZero() {
			row.publishedAt = now
		}
	}
	return len(produced), nil
}

// Pending lists outbox events not relayed yet, oldest first.
func (s *OrderStore) Pending() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*events.Event{}
	for _, row := range s.outbox {
		if row.publishedAt.IsZero() {
			out = append(out, row.evt)
		}
	}
	return out
}
