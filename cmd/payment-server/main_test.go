package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type failingConsumer struct {
	err error
}

func (c *failingConsumer) Run(ctx context.Context) error {
	return c.err
}

type loopJob struct {
	stopped chan struct{}
}

func (j *loopJob) Run(ctx context.Context) {
	defer close(j.stopped)
	<-ctx.Done()
}

func TestRunStopsReconcilerWhenConsumerFails(t *testing.T) {
	job := &loopJob{stopped: make(chan struct{})}
	closed := 0
	s := &Server{
		consumer:   &failingConsumer{err: errors.New("subscribe failed")},
		reconciler: job,
		closers:    []func(){func() { closed++ }},
	}

	errCH := make(chan error, 1)
	go func() {
		errCH <- s.Run(context.Background())
	}()

	select {
	case err := <-errCH:
		assert.EqualError(t, err, "subscribe failed")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	<-job.stopped
	assert.Equal(t, 1, closed)
}
