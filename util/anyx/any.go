package anyx

import (
	"math"
	"math/big"
)

// Int64 converts a decoded integer value to int64,
// it returns false if the value is not an integer or does not fit.
func Int64(v any) (int64, bool) {
	switch vv := v.(type) {
	case int:
		return int64(vv), true
	case int8:
		return int64(vv), true
	case int16:
		return int64(vv), true
	case int32:
		return int64(vv), true
	case int64:
		return vv, true
	case uint8:
		return int64(vv), true
	case uint16:
		return int64(vv), true
	case uint32:
		return int64(vv), true
	case uint:
		if uint64(vv) > math.MaxInt64 {
			return 0, false
		}
		return int64(vv), true
	case uint64:
		if vv > math.MaxInt64 {
			return 0, false
		}
		return int64(vv), true
	case *big.Int:
		if vv == nil || !vv.IsInt64() {
			return 0, false
		}
		return vv.Int64(), true
	case bool:
		if vv {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Bool converts any type to a bool.
func Bool(v any) bool {
	switch vv := v.(type) {
	case bool:
		return vv
	case nil:
		return false
	default:
		i, ok := Int64(v)
		return ok && i != 0
	}
}

// String converts a decoded string-like value to string,
// it returns false for other types.
func String(v any) (string, bool) {
	switch vv := v.(type) {
	case string:
		return vv, true
	case []byte:
		return string(vv), true
	default:
		return "", false
	}
}
