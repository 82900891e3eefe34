package pkgkafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(ctx context.Context, h events.Handler) *KafkaConsumer {
	cfg := NewKafkaConfig("test-group")
	cfg.HandlerBackoff = time.Millisecond
	cfg.HandlerMaxBackoff = 2 * time.Millisecond
	cfg.HandlerStallAfter = 3

	router := events.NewRouter()
	router.AddHandler(h, events.EventType_CompensationRequested)
	return &KafkaConsumer{
		cfg:        cfg,
		router:     router,
		encoder:    NewJsonEncoder(),
		handlerCtx: ctx,
	}
}

func compensationMsg(t *testing.T, offset kafka.Offset) *kafka.Message {
	t.Helper()
	evt := sampleEvent()
	evt.Type = events.EventType_CompensationRequested
	b, err := NewJsonEncoder().Encode(evt)
	require.NoError(t, err)
	topic := "orders.payment-requests"
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: offset},
		Value:          b,
	}
}

func railDown() error {
	return pkgerrors.NewDownstreamUnavailableError("rail", errors.New("circuit open"))
}

func TestHandleRetriesPastStallUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	c := newTestConsumer(context.Background(), func(ctx context.Context, evt *events.Event) error {
		if calls.Add(1) <= 10 {
			return railDown()
		}
		return nil
	})
	ps, _ := newTestState(10)
	ps.Append(10)

	st := c.handle(context.Background(), compensationMsg(t, 10))
	ps.Update(10, st)

	assert.Equal(t, MsgState_Success, st)
	assert.Equal(t, int32(11), calls.Load())
	tp, err := ps.FindLatestToCommit()
	require.NoError(t, err)
	assert.Equal(t, kafka.Offset(11), tp.Offset)
}

func TestHandleKeepsRetryableFailurePending(t *testing.T) {
	var calls atomic.Int32
	c := newTestConsumer(context.Background(), func(ctx context.Context, evt *events.Event) error {
		calls.Add(1)
		return railDown()
	})
	ps, _ := newTestState(10)
	ps.Append(10)
	ps.Append(11)
	ps.Update(11, MsgState_Success)

	revoked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	st := c.handle(revoked, compensationMsg(t, 10))
	ps.Update(10, st)

	assert.Equal(t, MsgState_Pending, st)
	assert.Greater(t, calls.Load(), int32(5), "kept retrying past the stall threshold")
	_, err := ps.FindLatestToCommit()
	assert.ErrorIs(t, err, errNothingToCommit)
}

func TestHandleStopsRetryingOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestConsumer(ctx, func(ctx context.Context, evt *events.Event) error {
		return pkgerrors.NewPersistenceError(errors.New("connection refused"))
	})
	time.AfterFunc(20*time.Millisecond, cancel)

	st := c.handle(context.Background(), compensationMsg(t, 10))

	assert.Equal(t, MsgState_Pending, st)
}

func TestHandleSkipsPoisonMessages(t *testing.T) {
	var calls atomic.Int32
	c := newTestConsumer(context.Background(), func(ctx context.Context, evt *events.Event) error {
		calls.Add(1)
		return pkgerrors.NewValidationError("amount must be positive")
	})

	garbage := compensationMsg(t, 10)
	garbage.Value = []byte("{not json")
	assert.Equal(t, MsgState_Error, c.handle(context.Background(), garbage))
	assert.Equal(t, int32(0), calls.Load())

	assert.Equal(t, MsgState_Error, c.handle(context.Background(), compensationMsg(t, 11)))
	assert.Equal(t, int32(1), calls.Load(), "invalid events are not retried")
}

func TestHandleDiscardsStaleEvents(t *testing.T) {
	c := newTestConsumer(context.Background(), func(ctx context.Context, evt *events.Event) error {
		return pkgerrors.NewStaleEventError("order at version %d", 4)
	})

	assert.Equal(t, MsgState_Success, c.handle(context.Background(), compensationMsg(t, 10)))
}
