package encoding

import (
	"math"
	"time"

	"github.com/ootahi/amqpcore/internal/buffer"
)

// Unmarshaler is implemented by types that know how to decode themselves
// from a single already-dispatched value.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// ReadAny decodes the next value from r, dispatching on its constructor
// byte. The returned value uses the narrowest Go type that round-trips
// through Marshal (§8 round-trip property).
func ReadAny(r *buffer.Buffer) (interface{}, error) {
	code, err := PeekType(r)
	if err != nil {
		return nil, err
	}

	switch code {
	case TypeCodeNull:
		r.Skip(1)
		return nil, nil
	case TypeCodeBoolTrue:
		r.Skip(1)
		return true, nil
	case TypeCodeBoolFalse:
		r.Skip(1)
		return false, nil
	case TypeCodeBool:
		r.Skip(1)
		b, err := r.ReadByte()
		return b != 0, err
	case TypeCodeUbyte:
		r.Skip(1)
		return r.ReadByte()
	case TypeCodeUshort:
		r.Skip(1)
		return r.ReadUint16()
	case TypeCodeUint0:
		r.Skip(1)
		return uint32(0), nil
	case TypeCodeSmallUint:
		r.Skip(1)
		b, err := r.ReadByte()
		return uint32(b), err
	case TypeCodeUint:
		r.Skip(1)
		return r.ReadUint32()
	case TypeCodeUlong0:
		r.Skip(1)
		return uint64(0), nil
	case TypeCodeSmallUlong:
		r.Skip(1)
		b, err := r.ReadByte()
		return uint64(b), err
	case TypeCodeUlong:
		r.Skip(1)
		return r.ReadUint64()
	case TypeCodeByte:
		r.Skip(1)
		b, err := r.ReadByte()
		return int8(b), err
	case TypeCodeShort:
		r.Skip(1)
		v, err := r.ReadUint16()
		return int16(v), err
	case TypeCodeSmallint:
		r.Skip(1)
		b, err := r.ReadByte()
		return int32(int8(b)), err
	case TypeCodeInt:
		r.Skip(1)
		v, err := r.ReadUint32()
		return int32(v), err
	case TypeCodeSmalllong:
		r.Skip(1)
		b, err := r.ReadByte()
		return int64(int8(b)), err
	case TypeCodeLong:
		r.Skip(1)
		v, err := r.ReadUint64()
		return int64(v), err
	case TypeCodeFloat:
		r.Skip(1)
		v, err := r.ReadUint32()
		return math.Float32frombits(v), err
	case TypeCodeDouble:
		r.Skip(1)
		v, err := r.ReadUint64()
		return math.Float64frombits(v), err
	case TypeCodeChar:
		r.Skip(1)
		v, err := r.ReadUint32()
		return Char(v), err
	case TypeCodeTimestamp:
		r.Skip(1)
		v, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case TypeCodeUUID:
		r.Skip(1)
		buf, ok := r.Next(16)
		if !ok {
			return nil, errorf("encoding: truncated uuid")
		}
		var u UUID
		copy(u[:], buf)
		return u, nil
	case TypeCodeVbin8, TypeCodeVbin32:
		return readBinary(r)
	case TypeCodeStr8, TypeCodeStr32:
		return readString(r)
	case TypeCodeSym8, TypeCodeSym32:
		return readSymbol(r)
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		return readList(r)
	case TypeCodeMap8, TypeCodeMap32:
		return readMap(r)
	case TypeCodeArray8, TypeCodeArray32:
		return readArray(r)
	case TypeCodeDescribed:
		return readDescribed(r)
	default:
		return nil, errorf("encoding: invalid constructor byte %#x", code)
	}
}

// PeekType returns the constructor byte of the next value without
// consuming it.
func PeekType(r *buffer.Buffer) (TypeCode, error) {
	b, err := r.PeekByte()
	if err != nil {
		return 0, errorf("encoding: unexpected end of buffer reading constructor")
	}
	return TypeCode(b), nil
}

func readLengthPrefixed(r *buffer.Buffer, code8, code32 TypeCode) (body []byte, err error) {
	c, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch TypeCode(c) {
	case code8:
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(l))
		if !ok {
			return nil, errorf("encoding: truncated value")
		}
		return buf, nil
	case code32:
		l, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(l))
		if !ok {
			return nil, errorf("encoding: truncated value")
		}
		return buf, nil
	default:
		return nil, errorf("encoding: invalid constructor %#x, expected %#x or %#x", c, code8, code32)
	}
}

func readBinary(r *buffer.Buffer) ([]byte, error) {
	buf, err := readLengthPrefixed(r, TypeCodeVbin8, TypeCodeVbin32)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

func readString(r *buffer.Buffer) (string, error) {
	buf, err := readLengthPrefixed(r, TypeCodeStr8, TypeCodeStr32)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func readSymbol(r *buffer.Buffer) (Symbol, error) {
	buf, err := readLengthPrefixed(r, TypeCodeSym8, TypeCodeSym32)
	if err != nil {
		return "", err
	}
	return Symbol(buf), nil
}

// readCompoundHeader consumes the size/count prefix of a list/map/array and
// returns the element count and the remaining byte length of the body.
func readCompoundHeader(r *buffer.Buffer, code8, code32, code0 TypeCode) (count uint32, err error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(c) {
	case code0:
		return 0, nil
	case code8:
		if _, err := r.ReadByte(); err != nil { // size, unused: we trust count + per-element decode
			return 0, err
		}
		cnt, err := r.ReadByte()
		return uint32(cnt), err
	case code32:
		if _, err := r.ReadUint32(); err != nil {
			return 0, err
		}
		return r.ReadUint32()
	default:
		return 0, errorf("encoding: invalid compound constructor %#x", c)
	}
}

func readList(r *buffer.Buffer) ([]interface{}, error) {
	count, err := readCompoundHeader(r, TypeCodeList8, TypeCodeList32, TypeCodeList0)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, count)
	for i := uint32(0); i < count; i++ {
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readMap(r *buffer.Buffer) (map[interface{}]interface{}, error) {
	c, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var count uint32
	switch TypeCode(c) {
	case TypeCodeMap8:
		if _, err := r.ReadByte(); err != nil {
			return nil, err
		}
		cnt, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		count = uint32(cnt)
	case TypeCodeMap32:
		if _, err := r.ReadUint32(); err != nil {
			return nil, err
		}
		count, err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errorf("encoding: invalid map constructor %#x", c)
	}
	if count%2 != 0 {
		return nil, errorf("encoding: map has odd element count %d", count)
	}
	out := make(map[interface{}]interface{}, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		// binary and other slice-typed keys (e.g. delivery-tag in
		// Attach.Unsettled) aren't comparable, so they can't be used
		// as a Go map key directly; stringify them instead.
		if raw, ok := k.([]byte); ok {
			k = string(raw)
		}
		out[k] = v
	}
	return out, nil
}

// readArray decodes an AMQP array: a homogeneous sequence whose element
// constructor is carried once, ahead of the elements.
func readArray(r *buffer.Buffer) ([]interface{}, error) {
	c, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var count uint32
	switch TypeCode(c) {
	case TypeCodeArray8:
		if _, err := r.ReadByte(); err != nil {
			return nil, err
		}
		cnt, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		count = uint32(cnt)
	case TypeCodeArray32:
		if _, err := r.ReadUint32(); err != nil {
			return nil, err
		}
		count, err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errorf("encoding: invalid array constructor %#x", c)
	}
	if count == 0 {
		return nil, nil
	}
	elemCode, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, count)
	for i := uint32(0); i < count; i++ {
		v, err := readArrayElement(r, TypeCode(elemCode))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// readArrayElement decodes a single array element whose constructor byte
// was already consumed (it is shared by every element in the array, per
// the array encoding rules in §4.1). length-prefixed element bodies still
// carry their own per-element length.
func readArrayElement(r *buffer.Buffer, code TypeCode) (interface{}, error) {
	switch code {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil
	case TypeCodeUbyte:
		return r.ReadByte()
	case TypeCodeUshort:
		return r.ReadUint16()
	case TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0:
		return readArrayUint32(r, code)
	case TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		return readArrayUint64(r, code)
	case TypeCodeByte:
		b, err := r.ReadByte()
		return int8(b), err
	case TypeCodeShort:
		v, err := r.ReadUint16()
		return int16(v), err
	case TypeCodeInt:
		v, err := r.ReadUint32()
		return int32(v), err
	case TypeCodeLong:
		v, err := r.ReadUint64()
		return int64(v), err
	case TypeCodeFloat:
		v, err := r.ReadUint32()
		return math.Float32frombits(v), err
	case TypeCodeDouble:
		v, err := r.ReadUint64()
		return math.Float64frombits(v), err
	case TypeCodeChar:
		v, err := r.ReadUint32()
		return Char(v), err
	case TypeCodeTimestamp:
		v, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case TypeCodeUUID:
		buf, ok := r.Next(16)
		if !ok {
			return nil, errorf("encoding: truncated uuid")
		}
		var u UUID
		copy(u[:], buf)
		return u, nil
	case TypeCodeVbin8:
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(l))
		if !ok {
			return nil, errorf("encoding: truncated binary array element")
		}
		return append([]byte(nil), buf...), nil
	case TypeCodeVbin32:
		l, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(l))
		if !ok {
			return nil, errorf("encoding: truncated binary array element")
		}
		return append([]byte(nil), buf...), nil
	case TypeCodeStr8, TypeCodeSym8:
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(l))
		if !ok {
			return nil, errorf("encoding: truncated string array element")
		}
		if code == TypeCodeSym8 {
			return Symbol(buf), nil
		}
		return string(buf), nil
	case TypeCodeStr32, TypeCodeSym32:
		l, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int64(l))
		if !ok {
			return nil, errorf("encoding: truncated string array element")
		}
		if code == TypeCodeSym32 {
			return Symbol(buf), nil
		}
		return string(buf), nil
	default:
		return nil, errorf("encoding: unsupported array element constructor %#x", code)
	}
}

func readArrayUint32(r *buffer.Buffer, code TypeCode) (uint32, error) {
	switch code {
	case TypeCodeUint0:
		return 0, nil
	case TypeCodeSmallUint:
		b, err := r.ReadByte()
		return uint32(b), err
	default:
		return r.ReadUint32()
	}
}

func readArrayUint64(r *buffer.Buffer, code TypeCode) (uint64, error) {
	switch code {
	case TypeCodeUlong0:
		return 0, nil
	case TypeCodeSmallUlong:
		b, err := r.ReadByte()
		return uint64(b), err
	default:
		return r.ReadUint64()
	}
}

func readDescribed(r *buffer.Buffer) (*DescribedType, error) {
	r.Skip(1) // described-constructor 0x00
	descVal, err := ReadAny(r)
	if err != nil {
		return nil, err
	}
	body, err := ReadAny(r)
	if err != nil {
		return nil, err
	}
	d := &DescribedType{Value: body}
	switch v := descVal.(type) {
	case uint64:
		d.Descriptor = v
	case Symbol:
		d.Name = v
	default:
		return nil, errorf("encoding: unsupported descriptor type %T", descVal)
	}
	return d, nil
}
