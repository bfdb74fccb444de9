// Package cfgmap reads transport settings out of the untyped maps handed to
// xfedmsg.NewTransport. Each Field copies one key into a typed destination
// when the value is present and acceptable; anything else keeps the default.
package cfgmap

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Field applies one key of m.
type Field func(m map[string]any)

// Apply runs fields against m. A nil map leaves every destination untouched.
func Apply(m map[string]any, fields ...Field) {
	if len(m) == 0 {
		return
	}
	for _, f := range fields {
		f(m)
	}
}

// String copies any string value, including "".
func String(key string, dst *string) Field {
	return func(m map[string]any) {
		if v, ok := m[key].(string); ok {
			*dst = v
		}
	}
}

// NonEmpty copies a string value unless it is blank.
func NonEmpty(key string, dst *string) Field {
	return func(m map[string]any) {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
}

func Bool(key string, dst *bool) Field {
	return func(m map[string]any) {
		if v, ok := m[key].(bool); ok {
			*dst = v
		}
	}
}

// Int copies any integral number.
func Int(key string, dst *int) Field {
	return func(m map[string]any) {
		if v, ok := toInt64(m[key]); ok {
			*dst = int(v)
		}
	}
}

// PositiveInt copies integral numbers greater than zero.
func PositiveInt(key string, dst *int) Field {
	return func(m map[string]any) {
		if v, ok := toInt64(m[key]); ok && v > 0 {
			*dst = int(v)
		}
	}
}

// PositiveInt64 copies integral numbers greater than zero.
func PositiveInt64(key string, dst *int64) Field {
	return func(m map[string]any) {
		if v, ok := toInt64(m[key]); ok && v > 0 {
			*dst = v
		}
	}
}

// Duration copies a time.Duration, a string accepted by
// time.ParseDuration, or an integral number of nanoseconds.
func Duration(key string, dst *time.Duration) Field {
	return func(m map[string]any) {
		if v, ok := toDuration(m[key]); ok && v >= 0 {
			*dst = v
		}
	}
}

// PositiveDuration is Duration restricted to values greater than zero.
func PositiveDuration(key string, dst *time.Duration) Field {
	return func(m map[string]any) {
		if v, ok := toDuration(m[key]); ok && v > 0 {
			*dst = v
		}
	}
}

// List copies a []string, a []any of strings or a comma separated string.
// Blank entries are dropped; an empty result is ignored.
func List(key string, dst *[]string) Field {
	return func(m map[string]any) {
		var raw []string
		switch v := m[key].(type) {
		case []string:
			raw = v
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					raw = append(raw, s)
				}
			}
		case string:
			raw = strings.Split(v, ",")
		default:
			return
		}
		out := make([]string, 0, len(raw))
		for _, s := range raw {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	n, ok := toInt64(v)
	return time.Duration(n), ok
}
