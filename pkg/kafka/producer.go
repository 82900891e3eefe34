package pkgkafka

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkgconstants "github.com/k-code-yt/orderflow/pkg/constants"
	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/sirupsen/logrus"
)

// KafkaProducer publishes events keyed by order id and waits for the broker ack,
// so a nil error means the event is durable in the log.
type KafkaProducer struct {
	producer *kafka.Producer
	encoder  MsgEncoder
}

func NewKafkaProducer(cfg *KafkaConfig, encoder MsgEncoder) (*KafkaProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Host,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, err
	}

	go func() {
		for e := range p.Events() {
			switch ev := e.(type) {
			case kafka.Error:
				logrus.WithFields(logrus.Fields{
					"CODE": ev.Code(),
				}).Errorf("KAFKA:PRODUCER_ERROR %v", ev)
			}
		}
	}()

	return &KafkaProducer{
		producer: p,
		encoder:  encoder,
	}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, evt *events.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	value, err := p.encoder.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt, err)
	}

	topic := evt.Topic()
	deliveryCH := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(evt.OrderID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: pkgconstants.HeaderKey_EventType, Value: []byte(evt.Type)},
			{Key: "encoder", Value: []byte(p.encoder.GetType())},
		},
	}, deliveryCH)
	if err != nil {
		return err
	}

	select {
	case e := <-deliveryCH:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", e)
		}
		if m.TopicPartition.Error != nil {
			return m.TopicPartition.Error
		}
		logrus.WithFields(logrus.Fields{
			"TOPIC":    topic,
			"PRTN":     m.TopicPartition.Partition,
			"OFFSET":   m.TopicPartition.Offset,
			"ORDER_ID": evt.OrderID,
			"EVENT":    evt.Type,
		}).Debug("KAFKA:DELIVERED")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaProducer) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}
