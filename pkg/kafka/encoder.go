package pkgkafka

import (
	"encoding/json"
	"fmt"

	"github.com/k-code-yt/orderflow/pkg/events"
)

type KafkaEncoder string

const (
	KafkaEncoder_JSON KafkaEncoder = "json"
	KafkaEncoder_AVRO KafkaEncoder = "avro"
)

// MsgEncoder converts the event envelope to and from the Kafka message value.
type MsgEncoder interface {
	Encode(evt *events.Event) ([]byte, error)
	Decode(data []byte) (*events.Event, error)
	GetType() KafkaEncoder
}

func NewMsgEncoder(encoderType KafkaEncoder) (MsgEncoder, error) {
	switch encoderType {
	case KafkaEncoder_AVRO:
		return NewAvroEncoder()
	case KafkaEncoder_JSON, "":
		return NewJsonEncoder(), nil
	}
	return nil, fmt.Errorf("unknown kafka encoder %q", encoderType)
}

type JsonEncoder struct {
	msgEncoderType KafkaEncoder
}

func NewJsonEncoder() *JsonEncoder {
	return &JsonEncoder{
		msgEncoderType: KafkaEncoder_JSON,
	}
}

func (e *JsonEncoder) Encode(evt *events.Event) ([]byte, error) {
	return json.Marshal(evt)
}

func (e *JsonEncoder) Decode(data []byte) (*events.Event, error) {
	evt := new(events.Event)
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return evt, nil
}

func (e *JsonEncoder) GetType() KafkaEncoder {
	return e.msgEncoderType
}
