package pkgkafka

import (
	"fmt"
	"time"

	"github.com/k-code-yt/orderflow/pkg/events"
	goavro "github.com/linkedin/goavro/v2"
	"github.com/shopspring/decimal"
)

const eventSchema = `{
  "type": "record",
  "name": "Event",
  "namespace": "orderflow.events",
  "fields": [
    {"name": "eventId", "type": "string"},
    {"name": "orderId", "type": "string"},
    {"name": "type", "type": "string"},
    {"name": "emittedAt", "type": "long"},
    {"name": "payload", "type": {
      "type": "record",
      "name": "Payload",
      "fields": [
        {"name": "orderId", "type": "string"},
        {"name": "amount", "type": "string"},
        {"name": "idempotencyKey", "type": "string"},
        {"name": "attemptSeq", "type": "int"},
        {"name": "orderVersion", "type": "long"},
        {"name": "paymentId", "type": "string", "default": ""},
        {"name": "railReference", "type": "string", "default": ""},
        {"name": "reason", "type": "string", "default": ""}
      ]
    }}
  ]
}`

// AvroEncoder writes the envelope as schemaless Avro binary. Amounts travel as
// decimal strings and emittedAt as epoch milliseconds.
type AvroEncoder struct {
	msgEncoderType KafkaEncoder
	codec          *goavro.Codec
}

func NewAvroEncoder() (*AvroEncoder, error) {
	codec, err := goavro.NewCodec(eventSchema)
	if err != nil {
		return nil, fmt.Errorf("avro schema: %w", err)
	}
	return &AvroEncoder{
		msgEncoderType: KafkaEncoder_AVRO,
		codec:          codec,
	}, nil
}

func (e *AvroEncoder) Encode(evt *events.Event) ([]byte, error) {
	native := map[string]any{
		"eventId":   evt.EventID,
		"orderId":   evt.OrderID,
		"type":      string(evt.Type),
		"emittedAt": evt.EmittedAt.UnixMilli(),
		"payload": map[string]any{
			"orderId":        evt.Payload.OrderID,
			"amount":         evt.Payload.Amount.String(),
			"idempotencyKey": evt.Payload.IdempotencyKey,
			"attemptSeq":     int32(evt.Payload.AttemptSeq),
			"orderVersion":   evt.Payload.OrderVersion,
			"paymentId":      evt.Payload.PaymentID,
			"railReference":  evt.Payload.RailReference,
			"reason":         evt.Payload.Reason,
		},
	}
	return e.codec.BinaryFromNative(nil, native)
}

func (e *AvroEncoder) Decode(data []byte) (*events.Event, error) {
	native, _, err := e.codec.NativeFromBinary(data)
	if err != nil {
		return nil, fmt.Errorf("Deserialization error: %w", err)
	}
	rec, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected avro value %T", native)
	}
	p, ok := rec["payload"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("avro payload is missing")
	}

	amount, err := decimal.NewFromString(p["amount"].(string))
	if err != nil {
		return nil, fmt.Errorf("avro amount: %w", err)
	}

	return &events.Event{
		EventID:   rec["eventId"].(string),
		OrderID:   rec["orderId"].(string),
		Type:      events.EventType(rec["type"].(string)),
		EmittedAt: time.UnixMilli(rec["emittedAt"].(int64)).UTC(),
		Payload: events.Payload{
			OrderID:        p["orderId"].(string),
			Amount:         amount,
			IdempotencyKey: p["idempotencyKey"].(string),
			AttemptSeq:     int(p["attemptSeq"].(int32)),
			OrderVersion:   p["orderVersion"].(int64),
			PaymentID:      p["paymentId"].(string),
			RailReference:  p["railReference"].(string),
			Reason:         p["reason"].(string),
		},
	}, nil
}

func (e *AvroEncoder) GetType() KafkaEncoder {
	return e.msgEncoderType
}
