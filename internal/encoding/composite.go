package encoding

import "github.com/ootahi/amqpcore/internal/buffer"

// UnmarshalField binds a positional list-body slot to a destination and an
// optional handler invoked when the slot is absent or explicitly null —
// used to apply AMQP field defaults or reject missing mandatory fields.
type UnmarshalField struct {
	Field      interface{}
	HandleNull func() error
}

// UnmarshalComposite reads a described composite whose descriptor must
// match code (by numeric code; AMQP permits the symbolic name too, but
// every performative and message section in this codebase is addressed by
// code) and decodes its list-shaped body positionally into fields.
//
// Fewer wire elements than len(fields) is not an error: a missing trailing
// field is handled like an explicit null, so its HandleNull (if any) runs
// and may apply a default or reject a mandatory field; without one the
// field keeps its current value. Extra trailing wire elements beyond len(fields) are
// also tolerated, per AMQP's forward-compatibility rule for composite
// types gaining fields in later protocol revisions.
func UnmarshalComposite(r *buffer.Buffer, code TypeCode, fields ...UnmarshalField) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if TypeCode(b) != TypeCodeDescribed {
		return errorf("encoding: expected described type, got constructor %#x", b)
	}

	descriptor, err := ReadAny(r)
	if err != nil {
		return err
	}
	if got, ok := descriptor.(uint64); !ok || TypeCode(got) != code {
		return errorf("encoding: descriptor mismatch: wanted %#x, got %#v", code, descriptor)
	}

	items, err := readList(r)
	if err != nil {
		return err
	}

	for i, f := range fields {
		if i >= len(items) || items[i] == nil {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if err := assign(f.Field, items[i]); err != nil {
			return err
		}
	}
	return nil
}

// assign copies a decoded value into a typed destination pointer. It covers
// exactly the field types used by the performatives and message sections
// defined in this codebase.
func assign(dst interface{}, v interface{}) error {
	if u, ok := dst.(Unmarshaler); ok {
		// re-encode then feed through the dedicated unmarshaler so types
		// with bespoke wire representations (e.g. role, settle modes,
		// durations-as-milliseconds) can decode from the already-parsed
		// value uniformly with their normal entrypoint.
		buf := buffer.New(nil)
		if err := Marshal(buf, v); err != nil {
			return err
		}
		return u.Unmarshal(buf)
	}
	return assignPrimitive(dst, v)
}
