package delta

import (
	"encoding/json"
	"fmt"
	"time"
)

// maxDepth bounds recursion over value trees. Values deeper than this are
// treated as cyclic and rejected rather than overflowing the stack.
const maxDepth = 1000

// Clone returns a deep, independent copy of v with scalars canonicalized
// to their JSON representations: every numeric kind becomes float64,
// maps and slices are rebuilt, time.Time values are preserved as-is so
// date-format leaves survive a round trip. Arbitrary structs are carried
// through an encoding/json round trip. Cyclic or absurdly deep values
// return an error.
func Clone(v any) (any, error) {
	return clone(v, 0)
}

func clone(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value exceeds depth %d (cyclic?)", maxDepth)
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return f, nil
	case time.Time:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := clone(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			c, err := clone(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		// Anything else (structs, typed maps and slices) goes through a
		// JSON round trip, which also canonicalizes its scalars.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("value of type %T is not representable: %w", v, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return clone(decoded, depth+1)
	}
}

// Equal reports deep equality of two value trees. Numeric kinds compare
// by value (int 3 equals float64 3), and time.Time compares by instant,
// including against an RFC 3339 string holding the same instant, so a
// parsed date leaf equals its wire form.
func Equal(a, b any) bool {
	return equal(a, b, 0)
}

func equal(a, b any, depth int) bool {
	if depth > maxDepth {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		return timeEqual(ta, b)
	}
	if tb, ok := b.(time.Time); ok {
		return timeEqual(tb, a)
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, present := bv[k]
			if !present || !equal(x, y, depth+1) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i], depth+1) {
				return false
			}
		}
		return true
	}
	return false
}

func timeEqual(t time.Time, other any) bool {
	switch o := other.(type) {
	case time.Time:
		return t.Equal(o)
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, o)
		if err != nil {
			return false
		}
		return t.Equal(parsed)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// isObject reports whether v is a plain JSON object.
func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// isArray reports whether v is a plain JSON array.
func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

// sameContainerKind reports whether a and b are both objects or both arrays.
func sameContainerKind(a, b any) bool {
	return (isObject(a) && isObject(b)) || (isArray(a) && isArray(b))
}
