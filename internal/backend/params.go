package backend

import (
	"encoding/json"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

// durationParam reads a Go duration string or a number of milliseconds.
func durationParam(m map[string]any, key string) (time.Duration, bool, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return 0, true, schema.NewErrorf(schema.ErrCodeInvalidParams, "param %q: %s", key, err.Error())
	}
	var d schema.Duration
	if err := d.UnmarshalJSON(data); err != nil {
		return 0, true, schema.NewErrorf(schema.ErrCodeInvalidParams, "param %q is not a duration: %v", key, raw)
	}
	if d < 0 {
		return 0, true, schema.NewErrorf(schema.ErrCodeInvalidParams, "param %q must not be negative", key)
	}
	return d.Std(), true, nil
}

// normalizeJSON converts Go numeric types to float64 so values decoded from
// YAML, JSON and backend responses compare equal.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}
