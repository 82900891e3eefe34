package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/domain"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
)

var errAttemptNotFound = errors.New("payment attempt not found")

// Ledger is an in-memory payment ledger with the unique key and version checks of
// the mongo one.
type Ledger struct {
	mu    *sync.Mutex
	byID  map[string]domain.Attempt
	byKey map[string]string

	// set by FailNextWrite, consumed by the next write
	failNext error
}

func NewLedger() *Ledger {
	return &Ledger{
		mu:    new(sync.Mutex),
		byID:  make(map[string]domain.Attempt),
		byKey: make(map[string]string),
	}
}

func (l *Ledger) FailNextWrite(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *Ledger) takeFailure() error {
	err := l.failNext
	l.failNext = nil
	if err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	return nil
}

func (l *Ledger) Insert(ctx context.Context, a *domain.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return err
	}
	if _, ok := l.byKey[a.IdempotencyKey]; ok {
		return pkgerrors.NewDuplicateKeyError(errors.New(a.IdempotencyKey))
	}
	l.byID[a.ID] = *a
	l.byKey[a.IdempotencyKey] = a.ID
	return nil
}

func (l *Ledger) GetByKey(ctx context.Context, key string) (*domain.Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byKey[key]
	if !ok {
		return nil, pkgerrors.NewNonExistingKeyError(errAttemptNotFound)
	}
	a := l.byID[id]
	return &a, nil
}

func (l *Ledger) FindByOrder(ctx context.Context, orderID string, attemptSeq int) (*domain.Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.byID {
		if a.OrderID == orderID && a.AttemptSeq == attemptSeq {
			cp := a
			return &cp, nil
		}
	}
	return nil, pkgerrors.NewNonExistingKeyError(errAttemptNotFound)
}

func (l *Ledger) Update(ctx context.Context, a *domain.Attempt, expectedVersion int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return err
	}
	stored, ok := l.byID[a.ID]
	if !ok {
		return pkgerrors.NewNonExistingKeyError(errAttemptNotFound)
	}
	if stored.Version != expectedVersion {
		return pkgerrors.NewVersionConflictError(a.ID, expectedVersion)
	}
	l.byID[a.ID] = *a
	return nil
}

func (l *Ledger) FindUnreconciled(ctx context.Context, reason string, olderThan time.Time, limit int) ([]*domain.Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []*domain.Attempt{}
	for _, a := range l.byID {
		if a.Status != domain.AttemptStatus_Failed || a.FailureReason != reason || a.Reconciled {
			continue
		}
		if !a.UpdatedAt.Before(olderThan) {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []*domain.Attempt{}
	for _, a := range l.byID {
		if a.Terminal() || !a.UpdatedAt.Before(olderThan) {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every attempt of orderID, oldest first.
func (l *Ledger) All(orderID string) []domain.Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []domain.Attempt{}
	for _, a := range l.byID {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptSeq < out[j].AttemptSeq })
	return out
}
