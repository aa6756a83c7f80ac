package table

import "strconv"

// AsFloat coerces a cell value to float64. Returns false for nil and
// non-numeric values.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt coerces a cell value to int64. Floats are accepted only when whole.
func AsInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// AsString coerces a cell value to string. Returns false for nil or
// non-string values.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsBool coerces a cell value to bool. Numeric 0/1 cells, common in one-hot
// encoded datasets, count as false/true.
func AsBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}
