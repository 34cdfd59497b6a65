package encoding

import (
	"time"

	"github.com/ootahi/amqpcore/internal/buffer"
)

// Milliseconds carries a time.Duration as the AMQP 4-byte "milliseconds"
// primitive (used by Open.idle-time-out and similar fields).
type Milliseconds time.Duration

func (m Milliseconds) Marshal(wr *buffer.Buffer) error {
	writeUint32(wr, uint32(time.Duration(m)/time.Millisecond))
	return nil
}

func (m *Milliseconds) Unmarshal(r *buffer.Buffer) error {
	v, err := ReadAny(r)
	if err != nil {
		return err
	}
	n, err := toUint32(v)
	if err != nil {
		return err
	}
	*m = Milliseconds(time.Duration(n) * time.Millisecond)
	return nil
}

func (r Role) Marshal(wr *buffer.Buffer) error {
	writeBool(wr, bool(r))
	return nil
}

func (r *Role) Unmarshal(buf *buffer.Buffer) error {
	v, err := ReadAny(buf)
	if err != nil {
		return err
	}
	b, ok := v.(bool)
	if !ok {
		return errorf("encoding: expected boolean role, got %T", v)
	}
	*r = Role(b)
	return nil
}

func (m SenderSettleMode) Marshal(wr *buffer.Buffer) error {
	wr.AppendByte(byte(TypeCodeUbyte))
	wr.AppendByte(byte(m))
	return nil
}

func (m *SenderSettleMode) Unmarshal(r *buffer.Buffer) error {
	n, err := readSmallUint(r)
	if err != nil {
		return err
	}
	*m = SenderSettleMode(n)
	return nil
}

func (m ReceiverSettleMode) Marshal(wr *buffer.Buffer) error {
	wr.AppendByte(byte(TypeCodeUbyte))
	wr.AppendByte(byte(m))
	return nil
}

func (m *ReceiverSettleMode) Unmarshal(r *buffer.Buffer) error {
	n, err := readSmallUint(r)
	if err != nil {
		return err
	}
	*m = ReceiverSettleMode(n)
	return nil
}

func (d Durability) Marshal(wr *buffer.Buffer) error {
	writeUint32(wr, uint32(d))
	return nil
}

func (d *Durability) Unmarshal(r *buffer.Buffer) error {
	v, err := ReadAny(r)
	if err != nil {
		return err
	}
	n, err := toUint32(v)
	if err != nil {
		return err
	}
	*d = Durability(n)
	return nil
}

func (e ExpiryPolicy) Marshal(wr *buffer.Buffer) error {
	return writeSymbol(wr, Symbol(e))
}

func (e *ExpiryPolicy) Unmarshal(r *buffer.Buffer) error {
	s, err := readSymbol(r)
	if err != nil {
		return err
	}
	*e = ExpiryPolicy(s)
	return nil
}

func readSmallUint(r *buffer.Buffer) (uint8, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(c) {
	case TypeCodeUbyte:
		return r.ReadByte()
	case TypeCodeSmallUint:
		return r.ReadByte()
	case TypeCodeUint0:
		return 0, nil
	default:
		return 0, errorf("encoding: expected small uint constructor, got %#x", c)
	}
}

func toUint32(v interface{}) (uint32, error) {
	switch t := v.(type) {
	case uint32:
		return t, nil
	case uint64:
		return uint32(t), nil
	case uint8:
		return uint32(t), nil
	case uint16:
		return uint32(t), nil
	default:
		return 0, errorf("encoding: cannot convert %T to uint32", v)
	}
}
