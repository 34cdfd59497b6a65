package encoding

import (
	"github.com/ootahi/amqpcore/internal/buffer"
)

// DescribedType is the in-memory form of a described value: a descriptor
// followed by a body value, exactly as it appears on the wire after the
// 0x00 described-constructor byte (§4.1).
type DescribedType struct {
	Descriptor uint64 // numeric descriptor code; 0 with Name set means name-only
	Name       Symbol
	Value      interface{}
}

// WriteDescriptor writes the described-type constructor followed by a
// numeric descriptor code, without a body. Callers append the body
// themselves — used when a section's body isn't an in-memory Go value
// already understood by Marshal (e.g. raw application-data binary).
func WriteDescriptor(wr *buffer.Buffer, code TypeCode) {
	wr.AppendByte(byte(TypeCodeDescribed))
	writeUint64(wr, uint64(code))
}

// WriteBinary encodes b as an AMQP binary value, choosing vbin8 or vbin32.
func WriteBinary(wr *buffer.Buffer, b []byte) error {
	return writeBinary(wr, b)
}

// PeekDescriptor returns the numeric descriptor code of the described value
// at r's current position, without consuming anything. Used by frame body
// dispatch, which must decide which performative to decode before handing
// the buffer to that performative's own Unmarshal.
func PeekDescriptor(r *buffer.Buffer) (TypeCode, error) {
	dup := r.Dup()
	b, err := dup.ReadByte()
	if err != nil {
		return 0, err
	}
	if TypeCode(b) != TypeCodeDescribed {
		return 0, errorf("encoding: expected described type, got constructor %#x", b)
	}
	descVal, err := ReadAny(dup)
	if err != nil {
		return 0, err
	}
	code, ok := descVal.(uint64)
	if !ok {
		return 0, errorf("encoding: expected numeric descriptor, got %T", descVal)
	}
	return TypeCode(code), nil
}

func (d *DescribedType) Marshal(wr *buffer.Buffer) error {
	wr.AppendByte(byte(TypeCodeDescribed))
	if d.Name != "" {
		if err := writeSymbol(wr, d.Name); err != nil {
			return err
		}
	} else {
		if err := writeUlongDescriptor(wr, d.Descriptor); err != nil {
			return err
		}
	}
	return Marshal(wr, d.Value)
}

// writeUlongDescriptor writes a composite descriptor by its 64-bit code,
// using the smallest ulong constructor — matching the fixed vector in
// §8 (Descriptor{code:0xF2} → [0x53, 0xF2]).
func writeUlongDescriptor(wr *buffer.Buffer, code uint64) error {
	writeUint64(wr, code)
	return nil
}

// MarshalField is one positional (list-body) field of a composite type,
// paired with an omit flag computed by the caller from the field's AMQP
// default. Exported so the frames package can build composite bodies.
type MarshalField struct {
	Value interface{}
	Omit  bool
}

// MarshalComposite encodes a composite body identified by code as a "list"
// shape (positional fields) per the described-type schema tag. Composites
// in this codebase are always list-shaped (basic/map shapes are not needed
// by any performative or message section defined here).
func MarshalComposite(wr *buffer.Buffer, code TypeCode, fields []MarshalField) error {
	// trim trailing omitted fields entirely (they need not be represented
	// at all, not even as a null placeholder) but preserve interior nulls
	// so positional decoding stays aligned.
	last := -1
	for i, f := range fields {
		if !f.Omit {
			last = i
		}
	}

	wr.AppendByte(byte(TypeCodeDescribed))
	if err := writeUlongDescriptor(wr, uint64(code)); err != nil {
		return err
	}

	if last < 0 {
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	items := make([]interface{}, last+1)
	for i := 0; i <= last; i++ {
		if fields[i].Omit {
			items[i] = nil
			continue
		}
		items[i] = fields[i].Value
	}
	return writeList(wr, items)
}
