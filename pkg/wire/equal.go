package wire

import (
	"math"
	"reflect"
)

// EqualValue reports whether two property payloads are the same value.
// Payloads that round-trip through the codec come back with widened types
// (uint64/int64/float64, []any), so comparison happens on a normalized
// form rather than on the raw dynamic types.
func EqualValue(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, string:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return normalizeUint64(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case []byte:
		return string(x)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// normalizeUint64 keeps values above the int64 range as uint64 so they
// never compare equal to the wrapped negative int64.
func normalizeUint64(x uint64) any {
	if x > math.MaxInt64 {
		return x
	}
	return int64(x)
}
