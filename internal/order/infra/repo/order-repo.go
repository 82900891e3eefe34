package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/k-code-yt/orderflow/internal/order/domain"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	"github.com/k-code-yt/orderflow/pkg/db/postgres"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
)

type itemRow struct {
	OrderID  string `db:"order_id"`
	Position int    `db:"position"`
	domain.LineItem
}

type OrderRepo struct {
	db        *sqlx.DB
	tableName string
	eventRepo *EventRepo
}

func NewOrderRepo(db *sqlx.DB) *OrderRepo {
	return &OrderRepo{
		db:        db,
		tableName: pkgconstants.DBTableName_Orders,
		eventRepo: NewEventRepo(db),
	}
}

// wrapErr keeps typed errors and reports everything else as a store outage.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *pkgerrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return pkgerrors.NewPersistenceError(err)
}

func (r *OrderRepo) Create(ctx context.Context, o *domain.Order, evts []*events.Event) error {
	_, err := postgres.TxClosure(ctx, r.db, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		q := fmt.Sprintf(`INSERT INTO %s
			(id, owner_id, total_amount, status, attempt_seq, pending_attempt, payment_id, rail_reference, version, created_at, updated_at)
			VALUES (:id, :owner_id, :total_amount, :status, :attempt_seq, :pending_attempt, :payment_id, :rail_reference, :version, :created_at, :updated_at)`, r.tableName)
		if _, err := tx.NamedExecContext(ctx, q, o); err != nil {
			if postgres.IsDuplicateKeyErr(err) {
				return struct{}{}, pkgerrors.NewDuplicateKeyError(err)
			}
			return struct{}{}, err
		}

		for i, li := range o.Items {
			row := itemRow{OrderID: o.ID, Position: i, LineItem: li}
			q := fmt.Sprintf(`INSERT INTO %s (order_id, position, product_id, quantity, unit_price)
				VALUES (:order_id, :position, :product_id, :quantity, :unit_price)`, pkgconstants.DBTableName_OrderItems)
			if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
				return struct{}{}, err
			}
		}

		return struct{}{}, r.appendLog(ctx, tx, o, evts)
	})
	return wrapErr(err)
}

func (r *OrderRepo) Save(ctx context.Context, o *domain.Order, expectedVersion int64, evts []*events.Event) error {
	_, err := postgres.TxClosure(ctx, r.db, func(ctx context.Context, tx *sqlx.Tx) (struct{}, error) {
		q := fmt.Sprintf(`UPDATE %s SET
			status = $1, attempt_seq = $2, pending_attempt = $3, payment_id = $4, rail_reference = $5, version = $6, updated_at = $7
			WHERE id = $8 AND version = $9`, r.tableName)
		res, err := tx.ExecContext(ctx, q,
			o.Status, o.AttemptSeq, o.PendingAttempt, o.PaymentID, o.RailReference, o.Version, o.UpdatedAt,
			o.ID, expectedVersion)
		if err != nil {
			return struct{}{}, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return struct{}{}, err
		}
		if rows == 0 {
			return struct{}{}, pkgerrors.NewVersionConflictError(o.ID, expectedVersion)
		}

		return struct{}{}, r.appendLog(ctx, tx, o, evts)
	})
	return wrapErr(err)
}

func (r *OrderRepo) appendLog(ctx context.Context, tx *sqlx.Tx, o *domain.Order, evts []*events.Event) error {
	q := fmt.Sprintf(`INSERT INTO %s
		(order_id, version, from_status, to_status, attempt_seq, pending_attempt, payment_id, rail_reference, reason, occurred_at)
		VALUES (:order_id, :version, :from_status, :to_status, :attempt_seq, :pending_attempt, :payment_id, :rail_reference, :reason, :occurred_at)`, pkgconstants.DBTableName_OrderTransition)
	for _, tr := range o.PendingTransitions() {
		if _, err := tx.NamedExecContext(ctx, q, tr); err != nil {
			return err
		}
	}
	for _, e := range evts {
		if _, err := r.eventRepo.Insert(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, pkgerrors.NewNonExistingKeyError(err)
	}

	o := new(domain.Order)
	q := fmt.Sprintf(`SELECT id, owner_id, total_amount, status, attempt_seq, pending_attempt, payment_id, rail_reference, version, created_at, updated_at
		FROM %s WHERE id = $1`, r.tableName)
	if err := r.db.GetContext(ctx, o, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pkgerrors.NewNonExistingKeyError(err)
		}
		return nil, wrapErr(err)
	}

	items := []domain.LineItem{}
	q = fmt.Sprintf(`SELECT product_id, quantity, unit_price FROM %s WHERE order_id = $1 ORDER BY position`, pkgconstants.DBTableName_OrderItems)
	if err := r.db.SelectContext(ctx, &items, q, id); err != nil {
		return nil, wrapErr(err)
	}
	o.Items = items
	return o, nil
}

func (r *OrderRepo) History(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, pkgerrors.NewNonExistingKeyError(err)
	}
	log := []domain.Transition{}
	q := fmt.Sprintf(`SELECT order_id, version, from_status, to_status, attempt_seq, pending_attempt, payment_id, rail_reference, reason, occurred_at
		FROM %s WHERE order_id = $1 ORDER BY version`, pkgconstants.DBTableName_OrderTransition)
	if err := r.db.SelectContext(ctx, &log, q, id); err != nil {
		return nil, wrapErr(err)
	}
	if len(log) == 0 {
		return nil, pkgerrors.NewNonExistingKeyError(sql.ErrNoRows)
	}
	return log, nil
}
