package repo

import (
	"context"
	"errors"
	"time"

	"github.com/k-code-yt/orderflow/internal/payment/domain"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	pkgmongo "github.com/k-code-yt/orderflow/pkg/db/mongo"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var errAttemptNotFound = errors.New("payment attempt not found")

// attemptDoc is the stored form of domain.Attempt. Amounts are kept as decimal
// strings so no precision is lost.
type attemptDoc struct {
	ID              string    `bson:"_id"`
	IdempotencyKey  string    `bson:"idempotency_key"`
	OrderID         string    `bson:"order_id"`
	AttemptSeq      int       `bson:"attempt_seq"`
	OrderVersion    int64     `bson:"order_version"`
	Amount          string    `bson:"payment_amount"`
	Status          string    `bson:"status"`
	FailureReason   string    `bson:"failure_reason,omitempty"`
	RailReference   string    `bson:"rail_reference,omitempty"`
	RefundReference string    `bson:"refund_reference,omitempty"`
	Reconciled      bool      `bson:"reconciled"`
	Version         int64     `bson:"version"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func toDoc(a *domain.Attempt) *attemptDoc {
	return &attemptDoc{
		ID:              a.ID,
		IdempotencyKey:  a.IdempotencyKey,
		OrderID:         a.OrderID,
		AttemptSeq:      a.AttemptSeq,
		OrderVersion:    a.OrderVersion,
		Amount:          a.Amount.String(),
		Status:          string(a.Status),
		FailureReason:   a.FailureReason,
		RailReference:   a.RailReference,
		RefundReference: a.RefundReference,
		Reconciled:      a.Reconciled,
		Version:         a.Version,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func (d *attemptDoc) toDomain() (*domain.Attempt, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, pkgerrors.NewJSONParsingError(err)
	}
	return &domain.Attempt{
		ID:              d.ID,
		IdempotencyKey:  d.IdempotencyKey,
		OrderID:         d.OrderID,
		AttemptSeq:      d.AttemptSeq,
		OrderVersion:    d.OrderVersion,
		Amount:          amount,
		Status:          domain.AttemptStatus(d.Status),
		FailureReason:   d.FailureReason,
		RailReference:   d.RailReference,
		RefundReference: d.RefundReference,
		Reconciled:      d.Reconciled,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}, nil
}

type PaymentRepo struct {
	coll *mongo.Collection
}

func NewPaymentRepo(db *mongo.Database) *PaymentRepo {
	return &PaymentRepo{
		coll: db.Collection(pkgconstants.MongoCollection_Payments),
	}
}

// EnsureIndexes creates the ledger indexes. It is safe to call on every start.
func (r *PaymentRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_idempotency_key"),
		},
		{
			Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "attempt_seq", Value: 1}},
			Options: options.Index().SetName("order_attempt"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "failure_reason", Value: 1},
				{Key: "reconciled", Value: 1},
				{Key: "updated_at", Value: 1},
			},
			Options: options.Index().SetName("reconcile_scan"),
		},
	})
	if err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	logrus.WithField("COLLECTION", r.coll.Name()).Info("MONGO:INDEXES_READY")
	return nil
}

func (r *PaymentRepo) Insert(ctx context.Context, a *domain.Attempt) error {
	_, err := r.coll.InsertOne(ctx, toDoc(a))
	if err != nil {
		if pkgmongo.IsDuplicateKeyErr(err) {
			return pkgerrors.NewDuplicateKeyError(err)
		}
		return pkgerrors.NewPersistenceError(err)
	}
	return nil
}

func (r *PaymentRepo) findOne(ctx context.Context, filter bson.D) (*domain.Attempt, error) {
	doc := new(attemptDoc)
	err := r.coll.FindOne(ctx, filter).Decode(doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, pkgerrors.NewNonExistingKeyError(errAttemptNotFound)
		}
		return nil, pkgerrors.NewPersistenceError(err)
	}
	return doc.toDomain()
}

func (r *PaymentRepo) GetByKey(ctx context.Context, key string) (*domain.Attempt, error) {
	return r.findOne(ctx, bson.D{{Key: "idempotency_key", Value: key}})
}

func (r *PaymentRepo) FindByOrder(ctx context.Context, orderID string, attemptSeq int) (*domain.Attempt, error) {
	return r.findOne(ctx, bson.D{
		{Key: "order_id", Value: orderID},
		{Key: "attempt_seq", Value: attemptSeq},
	})
}

func (r *PaymentRepo) Update(ctx context.Context, a *domain.Attempt, expectedVersion int64) error {
	res, err := r.coll.ReplaceOne(ctx, bson.D{
		{Key: "_id", Value: a.ID},
		{Key: "version", Value: expectedVersion},
	}, toDoc(a))
	if err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := r.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: a.ID}})
	if err != nil {
		return pkgerrors.NewPersistenceError(err)
	}
	if n == 0 {
		return pkgerrors.NewNonExistingKeyError(errAttemptNotFound)
	}
	return pkgerrors.NewVersionConflictError(a.ID, expectedVersion)
}

func (r *PaymentRepo) FindUnreconciled(ctx context.Context, reason string, olderThan time.Time, limit int) ([]*domain.Attempt, error) {
	return r.find(ctx, bson.D{
		{Key: "status", Value: string(domain.AttemptStatus_Failed)},
		{Key: "failure_reason", Value: reason},
		{Key: "reconciled", Value: false},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: olderThan}}},
	}, limit)
}

func (r *PaymentRepo) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Attempt, error) {
	return r.find(ctx, bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
			string(domain.AttemptStatus_Pending),
			string(domain.AttemptStatus_Submitted),
		}}}},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: olderThan}}},
	}, limit)
}

func (r *PaymentRepo) find(ctx context.Context, filter bson.D, limit int) ([]*domain.Attempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, pkgerrors.NewPersistenceError(err)
	}
	defer cur.Close(ctx)

	docs := []*attemptDoc{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, pkgerrors.NewPersistenceError(err)
	}
	out := make([]*domain.Attempt, 0, len(docs))
	for _, d := range docs {
		a, err := d.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
