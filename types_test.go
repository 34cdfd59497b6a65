package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/buffer"
)

func TestSenderSettleModeValueDefaultsToMixed(t *testing.T) {
	require.Equal(t, ModeMixed, senderSettleModeValue(nil))
	m := ModeSettled
	require.Equal(t, ModeSettled, senderSettleModeValue(&m))
}

func TestReceiverSettleModeValueDefaultsToFirst(t *testing.T) {
	require.Equal(t, ModeFirst, receiverSettleModeValue(nil))
	m := ModeSecond
	require.Equal(t, ModeSecond, receiverSettleModeValue(&m))
}

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Header: &MessageHeader{Durable: true, Priority: 9},
		Properties: &MessageProperties{
			MessageID: "msg-1",
			Subject:   "greeting",
		},
		ApplicationProperties: map[string]interface{}{"x-retry": int32(3)},
		Data:                  [][]byte{[]byte("hello"), []byte("world")},
		DeliveryTag:           []byte{1, 2, 3},
	}

	var buf buffer.Buffer
	require.NoError(t, msg.Marshal(&buf))

	got := &Message{}
	require.NoError(t, got.Unmarshal(&buf))

	testEqual(t, got.Data, msg.Data)
	require.Equal(t, msg.Header.Durable, got.Header.Durable)
	require.Equal(t, msg.Header.Priority, got.Header.Priority)
	require.Equal(t, msg.Properties.MessageID, got.Properties.MessageID)
	require.Equal(t, msg.Properties.Subject, got.Properties.Subject)
	require.EqualValues(t, msg.ApplicationProperties["x-retry"], got.ApplicationProperties["x-retry"])
}
