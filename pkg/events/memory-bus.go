package events

import (
	"context"
	"hash/fnv"
	"sync"

	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MemoryBus is an in-process event log: events are hashed by order id onto a fixed
// set of partitions and each partition is drained by a single goroutine, so all
// events of one order are handled in publish order.
type MemoryBus struct {
	partitions  []*memPartition
	subscribers []*Router
	published   []*Event
	errs        []error
	mu          *sync.RWMutex
	inflight    *sync.WaitGroup
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
}

type memPartition struct {
	mu    sync.Mutex
	queue []*Event
	wake  chan struct{}
}

func NewMemoryBus(numPartitions int) *MemoryBus {
	if numPartitions <= 0 {
		numPartitions = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		partitions:  make([]*memPartition, numPartitions),
		mu:          new(sync.RWMutex),
		inflight:    new(sync.WaitGroup),
		maxAttempts: 3,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := range b.partitions {
		p := &memPartition{wake: make(chan struct{}, 1)}
		b.partitions[i] = p
		go b.partitionLoop(p)
	}
	return b
}

func (b *MemoryBus) Subscribe(r *Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, r)
}

func (b *MemoryBus) Publish(ctx context.Context, evt *Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, evt)
	b.mu.Unlock()

	p := b.partitions[b.partitionFor(evt.OrderID)]
	b.inflight.Add(1)
	p.mu.Lock()
	p.queue = append(p.queue, evt)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Drain blocks until every published event, including events published by
// handlers while draining, has been handled.
func (b *MemoryBus) Drain() {
	b.inflight.Wait()
}

func (b *MemoryBus) Close() {
	b.cancel()
}

func (b *MemoryBus) Published(t EventType) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []*Event{}
	for _, e := range b.published {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *MemoryBus) Errors() []error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]error(nil), b.errs...)
}

func (b *MemoryBus) partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.partitions)))
}

func (b *MemoryBus) partitionLoop(p *memPartition) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			evt := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			b.deliver(evt)
			b.inflight.Done()
		}
	}
}

func (b *MemoryBus) deliver(evt *Event) {
	b.mu.RLock()
	subs := append([]*Router(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, r := range subs {
		if !r.Handles(evt.Type) {
			continue
		}
		var err error
		for attempt := 1; attempt <= b.maxAttempts; attempt++ {
			err = r.Dispatch(b.ctx, evt)
			if err == nil || !pkgerrors.IsRetryable(err) {
				break
			}
		}
		if pkgerrors.IsStaleEventError(err) || pkgerrors.IsDuplicateRequestError(err) {
			logrus.WithFields(logrus.Fields{
				"EVENT":    evt.Type,
				"ORDER_ID": evt.OrderID,
			}).Infof("MEMBUS:DISCARDED %v", err)
			continue
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"EVENT":    evt.Type,
				"ORDER_ID": evt.OrderID,
			}).Errorf("MEMBUS:HANDLER_FAILED %v", err)
			b.mu.Lock()
			b.errs = append(b.errs, err)
			b.mu.Unlock()
		}
	}
}
