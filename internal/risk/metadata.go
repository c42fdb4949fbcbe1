// Package risk implements the Scorer, History Adjuster, and Decision
// Maker: the pure and near-pure core of the risk decision engine.
package risk

// truthy implements spec §9's per-type "truthy" rule for metadata boost
// checks: bool -> its own value; number -> nonzero; string -> non-empty;
// list -> non-empty. Any other type (including nil/absent) is false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	default:
		return false
	}
}

// isFalse reports whether v is the literal boolean false — distinct from
// "absent" or any other falsy value, per spec §4.1's `user_confirmed is
// false` requirement ("must be literal false, not missing").
func isFalse(v any) bool {
	b, ok := v.(bool)
	return ok && !b
}

// asFloat extracts a numeric metadata value (the decoder may hand back
// float64, int, or int64 depending on the marshaling path) or reports ok=false.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// asString extracts a string metadata value.
func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// recipientCount extracts a count from a `recipients` metadata value that
// may be a list (string, or heterogeneous slice) or a plain integer count.
func recipientCount(v any) (int, bool) {
	switch t := v.(type) {
	case []any:
		return len(t), true
	case []string:
		return len(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
