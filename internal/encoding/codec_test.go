package encoding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ootahi/amqpcore/internal/buffer"
)

func TestMarshalFixedVectors(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want []byte
	}{
		{"true", true, []byte{0x41}},
		{"false", false, []byte{0x42}},
		{"uint32 zero", uint32(0), []byte{0x43}},
		{"uint32 255", uint32(255), []byte{0x52, 0xff}},
		{"uint32 max", uint32(4294967295), []byte{0x70, 0xff, 0xff, 0xff, 0xff}},
		{"char", Char('c'), []byte{0x73, 0x00, 0x00, 0x00, 0x63}},
		{"symbol", Symbol("amqp"), []byte{0xa3, 0x04, 0x61, 0x6d, 0x71, 0x70}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := buffer.New(nil)
			require.NoError(t, Marshal(buf, tt.in))
			require.Equal(t, tt.want, buf.Bytes())
		})
	}
}

func TestDescriptorEncoding(t *testing.T) {
	// descriptor with numeric code encodes as the smallest ulong constructor.
	buf := buffer.New(nil)
	require.NoError(t, writeUlongDescriptor(buf, 0xf2))
	require.Equal(t, []byte{0x53, 0xf2}, buf.Bytes())

	// descriptor with only a symbolic name encodes as a symbol.
	buf = buffer.New(nil)
	require.NoError(t, writeSymbol(buf, Symbol("amqp:test:list")))
	require.Equal(t, byte(TypeCodeSym8), buf.Bytes()[0])
}

func TestRoundTripPrimitives(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123).UTC()
	tests := []interface{}{
		nil,
		true,
		false,
		uint64(0),
		uint64(12345),
		uint32(0),
		uint32(65535),
		int64(-1),
		int64(127),
		int32(-128),
		float64(3.14),
		"hello world",
		Symbol("amqp:open:list"),
		[]byte{1, 2, 3, 4},
		now,
	}
	for _, in := range tests {
		buf := buffer.New(nil)
		require.NoError(t, Marshal(buf, in))
		got, err := ReadAny(buf)
		require.NoError(t, err)
		require.Equal(t, in, got)
	}
}

func TestRoundTripList(t *testing.T) {
	in := []interface{}{uint32(1), "two", Symbol("three"), nil}
	buf := buffer.New(nil)
	require.NoError(t, Marshal(buf, in))
	got, err := ReadAny(buf)
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestRoundTripMap(t *testing.T) {
	in := map[string]interface{}{"a": uint32(1), "b": "two"}
	buf := buffer.New(nil)
	require.NoError(t, Marshal(buf, in))
	got, err := ReadAny(buf)
	require.NoError(t, err)
	gotMap, ok := got.(map[interface{}]interface{})
	require.True(t, ok)
	require.Equal(t, uint32(1), gotMap["a"])
	require.Equal(t, "two", gotMap["b"])
}

func TestRoundTripMultiSymbolArray(t *testing.T) {
	in := MultiSymbol{"one", "two", "three"}
	buf := buffer.New(nil)
	require.NoError(t, writeMultiSymbol(buf, in))
	got, err := ReadAny(buf)
	require.NoError(t, err)
	items, ok := got.([]interface{})
	require.True(t, ok)
	require.Len(t, items, 3)
	require.Equal(t, Symbol("one"), items[0])
}

func TestRoundTripMultiSymbolSingle(t *testing.T) {
	in := MultiSymbol{"solo"}
	buf := buffer.New(nil)
	require.NoError(t, writeMultiSymbol(buf, in))
	got, err := ReadAny(buf)
	require.NoError(t, err)
	require.Equal(t, Symbol("solo"), got)
}

func TestErrorCompositeRoundTrip(t *testing.T) {
	in := &Error{
		Condition:   ErrCondNotFound,
		Description: "no such queue",
		Info:        map[string]interface{}{"queue": "q1"},
	}
	buf := buffer.New(nil)
	require.NoError(t, in.Marshal(buf))

	var out Error
	require.NoError(t, out.Unmarshal(buf))
	require.Equal(t, in.Condition, out.Condition)
	require.Equal(t, in.Description, out.Description)
}

func TestDeliveryStateCompositeRoundTrip(t *testing.T) {
	in := &StateRejected{Error: &Error{Condition: ErrCondDecodeError, Description: "bad payload"}}
	buf := buffer.New(nil)
	require.NoError(t, in.Marshal(buf))

	var out StateRejected
	require.NoError(t, out.Unmarshal(buf))
	require.Equal(t, in.Error.Condition, out.Error.Condition)
}

func TestUnmarshalCompositeTrailingFieldsOptional(t *testing.T) {
	// Accepted has no fields at all: an empty list body must still decode.
	buf := buffer.New(nil)
	require.NoError(t, (&StateAccepted{}).Marshal(buf))
	require.NoError(t, (&StateAccepted{}).Unmarshal(buf))
}
