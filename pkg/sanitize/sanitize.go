// Package sanitize normalizes response structures for cross-runtime callers
// by converting every numeric leaf value to its decimal string form. This
// avoids floating-point representation drift between runtimes on the other
// side of the wire.
package sanitize

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Value rewrites every numeric leaf of a decoded JSON tree to its decimal
// string form. The walk is recursive over maps and slices, applied uniformly,
// and idempotent: strings pass through untouched, so re-sanitizing a
// sanitized tree is a no-op.
func Value(v any) any {
	switch val := v.(type) {
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Value(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Value(item)
		}
		return out
	default:
		return v
	}
}

// JSON marshals v, re-decodes it with lossless numbers, and sanitizes the
// resulting tree. Use this for typed values (structs, slices of structs)
// whose JSON form should reach the caller with stringified numbers.
func JSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return Value(tree), nil
}
