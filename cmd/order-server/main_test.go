package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/k-code-yt/orderflow/internal/order/infra/memory"
	"github.com/k-code-yt/orderflow/internal/order/outbox"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConsumer struct {
	err     error
	stopped chan struct{}
}

func (c *stubConsumer) Run(ctx context.Context) error {
	defer close(c.stopped)
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return nil
}

func (c *stubConsumer) Ready() bool {
	return true
}

func newTestServer(t *testing.T, addr string, consumer *stubConsumer) (*Server, *int) {
	t.Helper()
	bus := events.NewMemoryBus(1)
	t.Cleanup(bus.Close)
	closed := new(int)
	return &Server{
		relay:    outbox.NewRelay(memory.NewOrderStore(), bus, 10*time.Millisecond, 10),
		limiter:  ratelimit.NewPerClientLimiter(ratelimit.DefaultConfig()),
		consumer: consumer,
		http:     &http.Server{Addr: addr, Handler: http.NotFoundHandler()},
		closers:  []func(){func() { *closed++ }},
	}, closed
}

func runWithDeadline(t *testing.T, s *Server, ctx context.Context) error {
	t.Helper()
	errCH := make(chan error, 1)
	go func() {
		errCH <- s.Run(ctx)
	}()
	select {
	case err := <-errCH:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunReturnsWhenListenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	consumer := &stubConsumer{stopped: make(chan struct{})}
	s, closed := newTestServer(t, ln.Addr().String(), consumer)

	err = runWithDeadline(t, s, context.Background())

	assert.Error(t, err)
	assert.NotErrorIs(t, err, http.ErrServerClosed)
	<-consumer.stopped
	assert.Equal(t, 1, *closed)
}

func TestRunReturnsWhenConsumerFails(t *testing.T) {
	consumer := &stubConsumer{err: errors.New("subscribe failed"), stopped: make(chan struct{})}
	s, closed := newTestServer(t, "127.0.0.1:0", consumer)

	err := runWithDeadline(t, s, context.Background())

	assert.EqualError(t, err, "subscribe failed")
	assert.Equal(t, 1, *closed)
}

func TestRunStopsOnCancel(t *testing.T) {
	consumer := &stubConsumer{stopped: make(chan struct{})}
	s, closed := newTestServer(t, "127.0.0.1:0", consumer)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := runWithDeadline(t, s, ctx)

	assert.NoError(t, err)
	assert.Equal(t, 1, *closed)
}
