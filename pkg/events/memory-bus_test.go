package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusKeepsOrderPerKey(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	var mu sync.Mutex
	seen := map[string][]int{}
	r := NewRouter()
	r.AddHandler(func(ctx context.Context, evt *Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[evt.OrderID] = append(seen[evt.OrderID], evt.Payload.AttemptSeq)
		return nil
	}, EventType_PaymentRequested)
	bus.Subscribe(r)

	for seq := 1; seq <= 20; seq++ {
		for _, id := range []string{"o1", "o2", "o3"} {
			evt := testEvent(EventType_PaymentRequested, id)
			evt.Payload.AttemptSeq = seq
			require.NoError(t, bus.Publish(context.Background(), evt))
		}
	}
	bus.Drain()

	for _, id := range []string{"o1", "o2", "o3"} {
		require.Len(t, seen[id], 20)
		for i, seq := range seen[id] {
			assert.Equal(t, i+1, seq)
		}
	}
	assert.Len(t, bus.Published(EventType_PaymentRequested), 60)
}

func TestMemoryBusRetriesRetryableErrors(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	calls := 0
	r := NewRouter()
	r.AddHandler(func(ctx context.Context, evt *Event) error {
		calls++
		if calls < 3 {
			return pkgerrors.NewPersistenceError(errors.New("db down"))
		}
		return nil
	}, EventType_PaymentSucceeded)
	bus.Subscribe(r)

	require.NoError(t, bus.Publish(context.Background(), testEvent(EventType_PaymentSucceeded, "o1")))
	bus.Drain()

	assert.Equal(t, 3, calls)
	assert.Empty(t, bus.Errors())
}

func TestMemoryBusDiscardsStaleEvents(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	calls := 0
	r := NewRouter()
	r.AddHandler(func(ctx context.Context, evt *Event) error {
		calls++
		return pkgerrors.NewStaleEventError("already settled")
	}, EventType_PaymentFailed)
	bus.Subscribe(r)

	require.NoError(t, bus.Publish(context.Background(), testEvent(EventType_PaymentFailed, "o1")))
	bus.Drain()

	assert.Equal(t, 1, calls)
	assert.Empty(t, bus.Errors())
}

func TestMemoryBusRejectsInvalidEvents(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	evt := testEvent(EventType_PaymentFailed, "o1")
	evt.EventID = ""
	assert.Error(t, bus.Publish(context.Background(), evt))
	assert.Empty(t, bus.Published(EventType_PaymentFailed))
}
