package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/k-code-yt/orderflow/internal/order/outbox"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	"github.com/k-code-yt/orderflow/pkg/db/postgres"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/sirupsen/logrus"
)

type EventStatus string

// Failed rows hold a payload that does not decode; they stay for inspection and
// are never relayed.
const (
	EventStatus_Pending  EventStatus = "pending"
	EventStatus_Produced EventStatus = "produced"
	EventStatus_Failed   EventStatus = "failed"
)

// Event is an outbox row; Payload holds the whole JSON envelope.
type Event struct {
	Seq       int64          `db:"seq"`
	EventID   string         `db:"event_id"`
	OrderID   string         `db:"order_id"`
	EventType string         `db:"event_type"`
	Topic     string         `db:"topic"`
	Payload   types.JSONText `db:"payload"`
	EmittedAt time.Time      `db:"emitted_at"`
	Status    EventStatus    `db:"status"`
}

func newEventRow(e *events.Event) (*Event, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &Event{
		EventID:   e.EventID,
		OrderID:   e.OrderID,
		EventType: string(e.Type),
		Topic:     e.Topic(),
		Payload:   b,
		EmittedAt: e.EmittedAt,
		Status:    EventStatus_Pending,
	}, nil
}

type EventRepo struct {
	db        *sqlx.DB
	tableName string
}

func NewEventRepo(db *sqlx.DB) *EventRepo {
	return &EventRepo{
		db:        db,
		tableName: pkgconstants.DBTableName_OutboxEvents,
	}
}

func (r *EventRepo) Insert(ctx context.Context, tx *sqlx.Tx, e *events.Event) (string, error) {
	row, err := newEventRow(e)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf(`INSERT INTO %s (event_id, order_id, event_type, topic, payload, emitted_at, status)
		VALUES (:event_id, :order_id, :event_type, :topic, :payload, :emitted_at, :status)`, r.tableName)
	if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
		return "", err
	}
	return row.EventID, nil
}

// GetPending locks up to limit pending rows in insertion order.
func (r *EventRepo) GetPending(ctx context.Context, tx *sqlx.Tx, limit int) ([]*Event, error) {
	rows := []*Event{}
	q := fmt.Sprintf(`SELECT seq, event_id, order_id, event_type, topic, payload, emitted_at, status
		FROM %s WHERE status = $1 ORDER BY seq LIMIT $2 FOR UPDATE SKIP LOCKED`, r.tableName)
	if err := tx.SelectContext(ctx, &rows, q, EventStatus_Pending, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *EventRepo) UpdateStatusByIds(ctx context.Context, tx *sqlx.Tx, ids []string, status EventStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(fmt.Sprintf("UPDATE %s SET status = ?, published_at = ? WHERE event_id IN (?)", r.tableName), status, time.Now().UTC(), ids)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

func (r *EventRepo) ProcessPending(ctx context.Context, limit int, publish outbox.PublishFunc) (int, error) {
	return postgres.TxClosure(ctx, r.db, func(ctx context.Context, tx *sqlx.Tx) (int, error) {
		rows, err := r.GetPending(ctx, tx, limit)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}

		batch := make([]*events.Event, 0, len(rows))
		corrupt := []string{}
		for _, row := range rows {
			evt := new(events.Event)
			if err := json.Unmarshal(row.Payload, evt); err != nil {
				logrus.WithField("EVENT_ID", row.EventID).Errorf("OUTBOX:CORRUPT_ROW %v", err)
				corrupt = append(corrupt, row.EventID)
				continue
			}
			batch = append(batch, evt)
		}
		if _, err := r.UpdateStatusByIds(ctx, tx, corrupt, EventStatus_Failed); err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return 0, nil
		}

		produced := publish(ctx, batch)
		updated, err := r.UpdateStatusByIds(ctx, tx, produced, EventStatus_Produced)
		if err != nil {
			return 0, err
		}
		if updated != len(produced) {
			return 0, fmt.Errorf("updated %d outbox rows, expected %d", updated, len(produced))
		}
		return updated, nil
	})
}
