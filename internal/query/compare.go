package query

// Value comparison for filter evaluation.
//
// Values arrive from two worlds: Go literals written by handlers (int,
// int64, float64, string, bool) and JSON round-trips through an adapter
// (float64, string, bool, nil). Numeric comparison therefore normalizes
// every numeric type to float64 so that int64(3) equals float64(3) no
// matter which side of the round-trip it came from.

// Equal reports deep equality between two JSON-shaped values with numeric
// normalization.
func Equal(a, b any) bool {
	if na, ok := asFloat(a); ok {
		nb, ok := asFloat(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !Equal(v, bval) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two scalar values. Returns (-1|0|1, true) when the values
// are comparable (both numeric, both strings, or both booleans), and
// (0, false) otherwise. Strings compare under the shared collation.
func Compare(a, b any) (int, bool) {
	if na, ok := asFloat(a); ok {
		nb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return collateStrings(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case !av && bv:
			return -1, true
		case av && !bv:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
