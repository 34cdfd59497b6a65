package encoding

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/ootahi/amqpcore/internal/buffer"
)

// Marshaler is implemented by types that know how to encode themselves.
type Marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// Marshal encodes i onto wr using the smallest valid wire constructor.
//
// The dispatch mirrors the AMQP 1.0 primitive type grid: every Go primitive
// maps to exactly one family of constructors, and the smallest one that can
// hold the value is always chosen (§4.1 encoding rules).
func Marshal(wr *buffer.Buffer, i interface{}) error {
	switch v := i.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
	case bool:
		writeBool(wr, v)
	case *bool:
		writeBool(wr, *v)
	case uint:
		writeUint64(wr, uint64(v))
	case uint64:
		writeUint64(wr, v)
	case *uint64:
		writeUint64(wr, *v)
	case uint32:
		writeUint32(wr, v)
	case *uint32:
		writeUint32(wr, *v)
	case *uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(*v)
	case uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(v)
	case *uint8:
		wr.AppendByte(byte(TypeCodeUbyte))
		wr.AppendByte(*v)
	case uint8:
		wr.AppendByte(byte(TypeCodeUbyte))
		wr.AppendByte(v)
	case int:
		writeInt64(wr, int64(v))
	case int8:
		wr.AppendByte(byte(TypeCodeByte))
		wr.AppendByte(uint8(v))
	case int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(v))
	case *int32:
		writeInt32(wr, *v)
	case int32:
		writeInt32(wr, v)
	case int64:
		writeInt64(wr, v)
	case *int64:
		writeInt64(wr, *v)
	case *float32:
		wr.AppendByte(byte(TypeCodeFloat))
		wr.AppendUint32(math.Float32bits(*v))
	case float32:
		wr.AppendByte(byte(TypeCodeFloat))
		wr.AppendUint32(math.Float32bits(v))
	case *float64:
		wr.AppendByte(byte(TypeCodeDouble))
		wr.AppendUint64(math.Float64bits(*v))
	case float64:
		wr.AppendByte(byte(TypeCodeDouble))
		wr.AppendUint64(math.Float64bits(v))
	case string:
		return writeString(wr, v)
	case *string:
		return writeString(wr, *v)
	case Symbol:
		return writeSymbol(wr, v)
	case *Symbol:
		return writeSymbol(wr, *v)
	case MultiSymbol:
		return writeMultiSymbol(wr, v)
	case *MultiSymbol:
		return writeMultiSymbol(wr, *v)
	case []byte:
		return writeBinary(wr, v)
	case *[]byte:
		return writeBinary(wr, *v)
	case time.Time:
		writeTimestamp(wr, v)
	case *time.Time:
		writeTimestamp(wr, *v)
	case UUID:
		writeUUID(wr, v)
	case *UUID:
		writeUUID(wr, *v)
	case Char:
		wr.AppendByte(byte(TypeCodeChar))
		wr.AppendUint32(uint32(v))
	case *Char:
		wr.AppendByte(byte(TypeCodeChar))
		wr.AppendUint32(uint32(*v))
	case map[interface{}]interface{}:
		return writeMap(wr, v)
	case map[string]interface{}:
		m := make(map[interface{}]interface{}, len(v))
		for k, val := range v {
			m[k] = val
		}
		return writeMap(wr, m)
	case map[Symbol]interface{}:
		m := make(map[interface{}]interface{}, len(v))
		for k, val := range v {
			m[k] = val
		}
		return writeMap(wr, m)
	case *map[Symbol]interface{}:
		m := make(map[interface{}]interface{}, len(*v))
		for k, val := range *v {
			m[k] = val
		}
		return writeMap(wr, m)
	case Filter:
		m := make(map[interface{}]interface{}, len(v))
		for k, val := range v {
			m[k] = val
		}
		return writeMap(wr, m)
	case []interface{}:
		return writeList(wr, v)
	case *DescribedType:
		return v.Marshal(wr)
	case DescribedType:
		return v.Marshal(wr)
	case Marshaler:
		return v.Marshal(wr)
	default:
		return errorf("encoding: marshal not implemented for %T", i)
	}
	return nil
}

func writeBool(wr *buffer.Buffer, b bool) {
	if b {
		wr.AppendByte(byte(TypeCodeBoolTrue))
	} else {
		wr.AppendByte(byte(TypeCodeBoolFalse))
	}
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n >= -128 && n <= 127 {
		wr.AppendByte(byte(TypeCodeSmallint))
		wr.AppendByte(byte(n))
		return
	}
	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n >= -128 && n <= 127 {
		wr.AppendByte(byte(TypeCodeSmalllong))
		wr.AppendByte(byte(n))
		return
	}
	wr.AppendByte(byte(TypeCodeLong))
	wr.AppendUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	switch {
	case n == 0:
		wr.AppendByte(byte(TypeCodeUint0))
	case n <= 255:
		wr.AppendByte(byte(TypeCodeSmallUint))
		wr.AppendByte(byte(n))
	default:
		wr.AppendByte(byte(TypeCodeUint))
		wr.AppendUint32(n)
	}
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	switch {
	case n == 0:
		wr.AppendByte(byte(TypeCodeUlong0))
	case n <= 255:
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(n))
	default:
		wr.AppendByte(byte(TypeCodeUlong))
		wr.AppendUint64(n)
	}
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.AppendByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.AppendUint64(uint64(ms))
}

func writeUUID(wr *buffer.Buffer, u UUID) {
	wr.AppendByte(byte(TypeCodeUUID))
	wr.Append(u[:])
}

func writeString(wr *buffer.Buffer, s string) error {
	l := len(s)
	switch {
	case l > math.MaxUint32:
		return errorf("encoding: string too long to encode (%d bytes)", l)
	case l <= 255:
		wr.AppendByte(byte(TypeCodeStr8))
		wr.AppendByte(byte(l))
		wr.AppendString(s)
	default:
		wr.AppendByte(byte(TypeCodeStr32))
		wr.AppendUint32(uint32(l))
		wr.AppendString(s)
	}
	return nil
}

func writeSymbol(wr *buffer.Buffer, s Symbol) error {
	if !isASCII(string(s)) {
		return errorf("encoding: symbol %q is not ASCII", string(s))
	}
	l := len(s)
	switch {
	case l > math.MaxUint32:
		return errorf("encoding: symbol too long to encode (%d bytes)", l)
	case l <= 255:
		wr.AppendByte(byte(TypeCodeSym8))
		wr.AppendByte(byte(l))
		wr.AppendString(string(s))
	default:
		wr.AppendByte(byte(TypeCodeSym32))
		wr.AppendUint32(uint32(l))
		wr.AppendString(string(s))
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func writeMultiSymbol(wr *buffer.Buffer, ms MultiSymbol) error {
	if len(ms) == 1 {
		return writeSymbol(wr, ms[0])
	}
	items := make([]interface{}, len(ms))
	for i, s := range ms {
		items[i] = s
	}
	return writeArray(wr, items, func(w *buffer.Buffer, v interface{}) error {
		return writeSymbol(w, v.(Symbol))
	}, TypeCodeSym32)
}

func writeBinary(wr *buffer.Buffer, b []byte) error {
	l := len(b)
	switch {
	case l > math.MaxUint32:
		return errorf("encoding: binary too long to encode (%d bytes)", l)
	case l <= 255:
		wr.AppendByte(byte(TypeCodeVbin8))
		wr.AppendByte(byte(l))
		wr.Append(b)
	default:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
		wr.Append(b)
	}
	return nil
}

// writeList encodes a heterogeneous list body:  size | count | element*
func writeList(wr *buffer.Buffer, items []interface{}) error {
	if len(items) == 0 {
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	body := buffer.New(nil)
	for _, item := range items {
		if err := Marshal(body, item); err != nil {
			return err
		}
	}

	return writeCompound(wr, TypeCodeList8, TypeCodeList32, len(items), body.Bytes())
}

// writeMap encodes size | count | (key,value)*; count is 2x entry count.
func writeMap(wr *buffer.Buffer, m map[interface{}]interface{}) error {
	body := buffer.New(nil)
	for k, v := range m {
		if err := Marshal(body, k); err != nil {
			return err
		}
		if err := Marshal(body, v); err != nil {
			return err
		}
	}
	return writeCompound(wr, TypeCodeMap8, TypeCodeMap32, len(m)*2, body.Bytes())
}

func writeCompound(wr *buffer.Buffer, code8, code32 TypeCode, count int, body []byte) error {
	// size measures bytes after the size field itself: count-width + body.
	use32 := len(body)+4 > math.MaxUint8 || count > math.MaxUint8
	if use32 {
		wr.AppendByte(byte(code32))
		wr.AppendUint32(uint32(len(body) + 4))
		wr.AppendUint32(uint32(count))
	} else {
		wr.AppendByte(byte(code8))
		wr.AppendByte(byte(len(body) + 1))
		wr.AppendByte(byte(count))
	}
	wr.Append(body)
	return nil
}

func writeArray(wr *buffer.Buffer, items []interface{}, elem func(*buffer.Buffer, interface{}) error, code32 TypeCode) error {
	body := buffer.New(nil)
	for i, item := range items {
		if i == 0 {
			if err := elem(body, item); err != nil {
				return err
			}
			continue
		}
		// subsequent elements omit their constructor: arrays are
		// homogeneous, so only the first element carries it.
		before := body.Len()
		tmp := buffer.New(nil)
		if err := elem(tmp, item); err != nil {
			return err
		}
		_ = before
		body.Append(tmp.Bytes()[1:])
	}
	use32 := body.Len()+4+1 > math.MaxUint8 || len(items) > math.MaxUint8
	if use32 {
		wr.AppendByte(byte(code32))
		wr.AppendUint32(uint32(body.Len() + 4 + 1))
		wr.AppendUint32(uint32(len(items)))
	} else {
		wr.AppendByte(byte(TypeCodeArray8))
		wr.AppendByte(byte(body.Len() + 1 + 1))
		wr.AppendByte(byte(len(items)))
	}
	wr.Append(body.Bytes())
	return nil
}

