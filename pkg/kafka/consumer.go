package pkgkafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type partitionKey struct {
	topic     string
	partition int32
}

func keyOf(tp kafka.TopicPartition) partitionKey {
	k := partitionKey{partition: tp.Partition}
	if tp.Topic != nil {
		k.topic = *tp.Topic
	}
	return k
}

type partitionWorker struct {
	state  *PartitionState
	msgCH  chan *kafka.Message
	exitCH chan struct{}
}

// KafkaConsumer feeds each assigned partition to its own worker goroutine. Messages
// of a partition are handled one at a time, in offset order, and an offset becomes
// committable only after its handler returned.
type KafkaConsumer struct {
	ID       string
	consumer *kafka.Consumer
	cfg      *KafkaConfig
	topics   []string
	router   *events.Router
	encoder  MsgEncoder

	workers map[partitionKey]*partitionWorker
	Mu      *sync.RWMutex

	// handlers run with this context, not with the worker's, so an in-flight
	// handler completes across a revoke
	handlerCtx context.Context
}

func NewKafkaConsumer(cfg *KafkaConfig, router *events.Router, encoder MsgEncoder) (*KafkaConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":               cfg.Host,
		"group.id":                        cfg.ConsumerGroup,
		"enable.auto.commit":              false,
		"auto.offset.reset":               "earliest",
		"go.application.rebalance.enable": true,
		"partition.assignment.strategy":   cfg.ParititionAssignStrategy,
	})
	if err != nil {
		return nil, err
	}

	return &KafkaConsumer{
		ID:         uuid.NewString(),
		consumer:   c,
		cfg:        cfg,
		topics:     router.Topics(),
		router:     router,
		encoder:    encoder,
		workers:    map[partitionKey]*partitionWorker{},
		Mu:         new(sync.RWMutex),
		handlerCtx: context.Background(),
	}, nil
}

func (c *KafkaConsumer) Topics() []string {
	return c.topics
}

// Run consumes until ctx is cancelled, then hands back the partitions after
// committing what was handled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.handlerCtx = ctx
	if err := c.consumer.SubscribeTopics(c.topics, c.rebalanceCB); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"CONSUMER": c.ID,
		"GROUP":    c.cfg.ConsumerGroup,
		"TOPICS":   c.topics,
	}).Info("KAFKA:SUBSCRIBED")

	c.consumeLoop(ctx)

	// Close triggers the revoke callback which stops workers and commits
	return c.consumer.Close()
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.consumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			logrus.Errorf("KAFKA:CONSUMER_ERROR %v", err)
			continue
		}
		if msg == nil {
			continue
		}

		c.Mu.RLock()
		w, ok := c.workers[keyOf(msg.TopicPartition)]
		c.Mu.RUnlock()
		if !ok {
			logrus.WithField("PRTN", msg.TopicPartition.Partition).Warn("KAFKA:NO_WORKER")
			continue
		}

		w.state.Append(msg.TopicPartition.Offset)
		select {
		case w.msgCH <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *KafkaConsumer) runWorker(w *partitionWorker) {
	defer close(w.exitCH)
	for {
		select {
		case <-w.state.ctx.Done():
			return
		case msg := <-w.msgCH:
			select {
			case <-w.state.ctx.Done():
				return
			default:
			}
			w.state.Update(msg.TopicPartition.Offset, c.handle(w.state.ctx, msg))
		}
	}
}

// handle runs the handler for msg. A retryable failure is retried with capped
// backoff until it succeeds, so the partition stalls behind it instead of
// committing past an unapplied effect. Only poison messages (undecodable or
// rejected as invalid) are skipped. When stop is done the offset stays pending.
func (c *KafkaConsumer) handle(stop context.Context, msg *kafka.Message) MsgState {
	fields := logrus.Fields{
		"PRTN":   msg.TopicPartition.Partition,
		"OFFSET": msg.TopicPartition.Offset,
	}

	evt, err := c.encoder.Decode(msg.Value)
	if err != nil {
		metrics.EventsPoisoned.Inc()
		logrus.WithFields(fields).Errorf("KAFKA:POISON_MESSAGE %v", err)
		return MsgState_Error
	}
	fields["EVENT"] = evt.Type
	fields["ORDER_ID"] = evt.OrderID

	if !c.router.Handles(evt.Type) {
		return MsgState_Success
	}

	retryCtx, cancel := context.WithCancel(stop)
	defer cancel()
	unhook := context.AfterFunc(c.handlerCtx, cancel)
	defer unhook()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.HandlerBackoff
	b.MaxInterval = c.cfg.HandlerMaxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		err := c.router.Dispatch(c.handlerCtx, evt)
		if err == nil || pkgerrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		entry := logrus.WithFields(fields).WithField("ATTEMPT", attempts)
		if attempts == c.cfg.HandlerStallAfter {
			metrics.PartitionStalls.Inc()
			entry.Errorf("KAFKA:PARTITION_STALLED retrying in %s: %v", next, err)
			return
		}
		entry.Warnf("KAFKA:HANDLER_RETRY in %s: %v", next, err)
	}
	err = backoff.RetryNotify(op, backoff.WithContext(b, retryCtx), notify)
	if err != nil && retryCtx.Err() != nil {
		// revoked or shutting down: leave the offset for the next owner
		return MsgState_Pending
	}

	switch {
	case err == nil:
		return MsgState_Success
	case pkgerrors.IsStaleEventError(err), pkgerrors.IsDuplicateRequestError(err):
		metrics.EventsDiscarded.WithLabelValues(string(evt.Type)).Inc()
		logrus.WithFields(fields).Infof("KAFKA:DISCARDED %v", err)
		return MsgState_Success
	default:
		metrics.EventsPoisoned.Inc()
		logrus.WithFields(fields).Errorf("KAFKA:POISON_MESSAGE %v", err)
		return MsgState_Error
	}
}

func (c *KafkaConsumer) assignPrntCB(ev *kafka.AssignedPartitions) error {
	committed, err := c.consumer.Committed(ev.Partitions, 5000)
	if err != nil {
		logrus.Errorf("Failed to get committed offsets: %v", err)
		committed = ev.Partitions
	}

	c.Mu.Lock()
	for _, tp := range committed {
		commitFunc := func(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
			return c.consumer.CommitOffsets(offsets)
		}
		if old, exists := c.workers[keyOf(tp)]; exists {
			c.stopWorker(old)
		}
		w := &partitionWorker{
			state:  NewPartitionState(tp, commitFunc),
			msgCH:  make(chan *kafka.Message, c.cfg.WorkerBuffer),
			exitCH: make(chan struct{}),
		}
		c.workers[keyOf(tp)] = w
		go w.state.commitOffsetLoop(c.cfg.CommitInterval)
		go c.runWorker(w)

		logrus.WithFields(logrus.Fields{
			"TOPIC":        keyOf(tp).topic,
			"PRTN":         tp.Partition,
			"START_OFFSET": tp.Offset,
		}).Info("KAFKA:ASSIGNED")
	}
	c.Mu.Unlock()

	if c.cfg.isCooperative() {
		err = c.consumer.IncrementalAssign(ev.Partitions)
	} else {
		err = c.consumer.Assign(ev.Partitions)
	}
	if err != nil {
		logrus.Errorf("Failed to assign partitions: %v", err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"COUNT":      len(ev.Partitions),
		"PARTITIONS": formatPartitions(ev.Partitions),
	}).Info("Successfully assigned partitions")
	return nil
}

// stopWorker waits for the in-flight handler; queued messages are left
// uncommitted for the next owner.
func (c *KafkaConsumer) stopWorker(w *partitionWorker) {
	w.state.Cancel()
	<-w.exitCH
	<-w.state.ExitCH
}

func (c *KafkaConsumer) revokePrtnCB(ev *kafka.RevokedPartitions) error {
	var toCommit []kafka.TopicPartition
	for _, tp := range ev.Partitions {
		c.Mu.Lock()
		w, exists := c.workers[keyOf(tp)]
		delete(c.workers, keyOf(tp))
		c.Mu.Unlock()
		if !exists {
			continue
		}
		c.stopWorker(w)

		latestToCommit, err := w.state.FindLatestToCommit()
		if err != nil {
			continue
		}
		toCommit = append(toCommit, *latestToCommit)
		logrus.WithField("PRTN", tp.Partition).Info("KAFKA:REVOKED")
	}

	if len(toCommit) > 0 {
		if _, err := c.consumer.CommitOffsets(toCommit); err != nil {
			logrus.Errorf("Failed to commit on revoke: %v", err)
		} else {
			logrus.WithField("PARTITIONS", formatPartitions(toCommit)).Info("KAFKA:COMMITTED_ON_REVOKE")
		}
	}

	var err error
	if c.cfg.isCooperative() {
		err = c.consumer.IncrementalUnassign(ev.Partitions)
	} else {
		err = c.consumer.Unassign()
	}
	if err != nil {
		logrus.Errorf("Failed to unassign partitions: %v", err)
		return err
	}
	return nil
}

func (c *KafkaConsumer) rebalanceCB(_ *kafka.Consumer, event kafka.Event) error {
	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		return c.assignPrntCB(&ev)
	case kafka.RevokedPartitions:
		return c.revokePrtnCB(&ev)
	default:
		logrus.Warnf("Unexpected event type: %T", ev)
	}
	return nil
}

// Ready reports whether the group coordinator handed this consumer any partition.
func (c *KafkaConsumer) Ready() bool {
	assignment, err := c.consumer.Assignment()
	if err != nil {
		return false
	}
	return len(assignment) > 0
}

func formatPartitions(partitions []kafka.TopicPartition) string {
	parts := make([]string, len(partitions))
	for i, p := range partitions {
		parts[i] = fmt.Sprintf("%d@%d", p.Partition, p.Offset)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
