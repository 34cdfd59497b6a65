package encoding

import (
	"reflect"
	"time"
)

var deliveryStateType = reflect.TypeOf((*DeliveryState)(nil)).Elem()
var attachTargetType = reflect.TypeOf((*AttachTarget)(nil)).Elem()

// assignPrimitive assigns the decoded value v into dst, which must be a
// pointer (including a pointer-to-pointer, for optional fields). It handles
// the numeric widening, map re-keying, and slice re-typing needed to land a
// ReadAny result into a performative or message-section struct field.
func assignPrimitive(dst interface{}, v interface{}) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errorf("encoding: assign destination must be a non-nil pointer, got %T", dst)
	}
	elem := rv.Elem()

	// pointer-to-pointer: optional field. allocate and recurse through
	// assign so a concrete *T destination still gets its Unmarshaler
	// dispatch checked (assignPrimitive alone never looks for it).
	if elem.Kind() == reflect.Ptr {
		newElem := reflect.New(elem.Type().Elem())
		if err := assign(newElem.Interface(), v); err != nil {
			return err
		}
		elem.Set(newElem)
		return nil
	}

	return setValue(elem, v)
}

func setValue(elem reflect.Value, v interface{}) error {
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}

	switch elem.Kind() {
	case reflect.Map:
		return setMap(elem, v)
	case reflect.Slice:
		return setSlice(elem, v)
	case reflect.Interface:
		if elem.Type() == deliveryStateType {
			if d, ok := v.(*DescribedType); ok {
				ds, err := resolveDeliveryState(d)
				if err != nil {
					return err
				}
				elem.Set(reflect.ValueOf(ds))
				return nil
			}
		}
		if elem.Type() == attachTargetType {
			if d, ok := v.(*DescribedType); ok {
				at, err := resolveAttachTarget(d)
				if err != nil {
					return err
				}
				elem.Set(reflect.ValueOf(at))
				return nil
			}
		}
		elem.Set(reflect.ValueOf(v))
		return nil
	case reflect.Int64:
		if elem.Type() == reflect.TypeOf(time.Duration(0)) {
			// milliseconds field
			ms, err := toInt64(v)
			if err != nil {
				return err
			}
			elem.Set(reflect.ValueOf(time.Duration(ms) * time.Millisecond))
			return nil
		}
	}

	rv := reflect.ValueOf(v)
	if rv.Type().ConvertibleTo(elem.Type()) {
		elem.Set(rv.Convert(elem.Type()))
		return nil
	}
	return errorf("encoding: cannot assign %T into %s", v, elem.Type())
}

func setMap(elem reflect.Value, v interface{}) error {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return errorf("encoding: expected map, got %T", v)
	}
	out := reflect.MakeMapWithSize(elem.Type(), len(m))
	kt, vt := elem.Type().Key(), elem.Type().Elem()
	for k, val := range m {
		kv := reflect.ValueOf(k)
		if !kv.Type().ConvertibleTo(kt) {
			return errorf("encoding: cannot convert map key %T to %s", k, kt)
		}
		var vv reflect.Value
		if vt.Kind() == reflect.Interface {
			if val == nil {
				vv = reflect.Zero(vt)
			} else {
				vv = reflect.ValueOf(val)
			}
		} else {
			rvv := reflect.ValueOf(val)
			if !rvv.IsValid() || !rvv.Type().ConvertibleTo(vt) {
				return errorf("encoding: cannot convert map value %T to %s", val, vt)
			}
			vv = rvv.Convert(vt)
		}
		out.SetMapIndex(kv.Convert(kt), vv)
	}
	elem.Set(out)
	return nil
}

func setSlice(elem reflect.Value, v interface{}) error {
	if elem.Type().Elem().Kind() == reflect.Uint8 {
		b, ok := v.([]byte)
		if !ok {
			return errorf("encoding: expected binary, got %T", v)
		}
		elem.SetBytes(b)
		return nil
	}

	items, ok := v.([]interface{})
	if !ok {
		// a bare scalar where a multi-value (array-or-single) field was
		// expected: wrap it as a one-element slice.
		items = []interface{}{v}
	}
	out := reflect.MakeSlice(elem.Type(), len(items), len(items))
	et := elem.Type().Elem()
	for i, it := range items {
		rv := reflect.ValueOf(it)
		if !rv.IsValid() {
			continue
		}
		if !rv.Type().ConvertibleTo(et) {
			return errorf("encoding: cannot convert slice element %T to %s", it, et)
		}
		out.Index(i).Set(rv.Convert(et))
	}
	elem.Set(out)
	return nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case uint64:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case int32:
		return int64(t), nil
	default:
		return 0, errorf("encoding: cannot convert %T to int64", v)
	}
}
