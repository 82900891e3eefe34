package pkgkafka

import (
	"testing"
	"time"

	"github.com/k-code-yt/orderflow/pkg/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *events.Event {
	evt := events.NewEvent(events.EventType_PaymentFailed, events.Payload{
		OrderID:        "0b7f3c1e-8a57-4d43-9c55-3f3e1c1f2d11",
		Amount:         decimal.RequireFromString("25.00"),
		IdempotencyKey: "pay:0b7f3c1e-8a57-4d43-9c55-3f3e1c1f2d11:1",
		AttemptSeq:     1,
		OrderVersion:   2,
		Reason:         events.Reason_Timeout,
	})
	evt.EmittedAt = evt.EmittedAt.Truncate(time.Millisecond)
	return evt
}

func TestEncodersPreserveEnvelope(t *testing.T) {
	for _, encType := range []KafkaEncoder{KafkaEncoder_JSON, KafkaEncoder_AVRO} {
		t.Run(string(encType), func(t *testing.T) {
			enc, err := NewMsgEncoder(encType)
			require.NoError(t, err)
			assert.Equal(t, encType, enc.GetType())

			in := sampleEvent()
			b, err := enc.Encode(in)
			require.NoError(t, err)
			out, err := enc.Decode(b)
			require.NoError(t, err)

			assert.Equal(t, in.EventID, out.EventID)
			assert.Equal(t, in.Type, out.Type)
			assert.True(t, in.EmittedAt.Equal(out.EmittedAt))
			assert.True(t, in.Payload.Amount.Equal(out.Payload.Amount))
			assert.Equal(t, in.Payload.Reason, out.Payload.Reason)
			assert.Equal(t, in.Payload.AttemptSeq, out.Payload.AttemptSeq)
			assert.Equal(t, in.Payload.OrderVersion, out.Payload.OrderVersion)
			assert.NoError(t, out.Validate())
		})
	}
}

func TestJsonDecodeRejectsGarbage(t *testing.T) {
	_, err := NewJsonEncoder().Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestUnknownEncoder(t *testing.T) {
	_, err := NewMsgEncoder("proto")
	assert.Error(t, err)
}
