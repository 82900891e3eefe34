package application

import (
	"context"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/domain"
	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
)

// Ledger stores payment attempts. Writes are compare-and-set on Attempt.Version.
type Ledger interface {
	// Insert fails with a DuplicateKey error when the idempotency key is taken.
	Insert(ctx context.Context, a *domain.Attempt) error
	// GetByKey and FindByOrder return a NonExistingKey error when nothing matches.
	GetByKey(ctx context.Context, idempotencyKey string) (*domain.Attempt, error)
	FindByOrder(ctx context.Context, orderID string, attemptSeq int) (*domain.Attempt, error)
	// Update fails with a VersionConflict error when the stored version moved on.
	Update(ctx context.Context, a *domain.Attempt, expectedVersion int64) error
	// FindUnreconciled lists FAILED attempts with reason that were last touched
	// before olderThan and not reconciled yet.
	FindUnreconciled(ctx context.Context, reason string, olderThan time.Time, limit int) ([]*domain.Attempt, error)
	// FindStuck lists PENDING and SUBMITTED attempts last touched before olderThan.
	FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Attempt, error)
}

type Rail interface {
	Charge(ctx context.Context, req rail.ChargeRequest) (*rail.Receipt, error)
	Refund(ctx context.Context, req rail.RefundRequest) (*rail.Receipt, error)
	Status(ctx context.Context, key string) (*rail.Receipt, error)
}
