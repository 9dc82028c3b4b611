package meta

import (
	"encoding/json"
	"fmt"
)

// ScalarMap is an open key/value bag restricted to JSON scalars
// (string, number, bool, null). Backends use it for per-package state
// such as remote handle URIs. Nested objects and arrays are rejected so
// the bag round-trips losslessly.
type ScalarMap map[string]any

func (m *ScalarMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if len(v) > 0 && (v[0] == '{' || v[0] == '[') {
			return fmt.Errorf("attribute %q: only scalar values are allowed", k)
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		out[k] = val
	}
	*m = out
	return nil
}

// GetString returns the attribute as a string, or "" when absent or not
// a string.
func (m ScalarMap) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Set stores a scalar value, allocating the map on first use.
func (m *ScalarMap) Set(key string, value any) error {
	switch value.(type) {
	case string, bool, int, int64, float64, nil:
	default:
		return fmt.Errorf("attribute %q: unsupported value type %T", key, value)
	}
	if *m == nil {
		*m = make(ScalarMap)
	}
	(*m)[key] = value
	return nil
}
