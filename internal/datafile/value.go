package datafile

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value looks up an attribute. A path without dots is read directly; a dotted
// path walks nested objects one segment at a time.
func (c Context) Value(path string) (any, bool) {
	if !strings.Contains(path, ".") {
		value, ok := c[path]
		return value, ok
	}

	var current any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		object, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Merge returns a new context holding c overlaid with other.
func (c Context) Merge(other Context) Context {
	out := make(Context, len(c)+len(other))
	for key, value := range c {
		out[key] = value
	}
	for key, value := range other {
		out[key] = value
	}
	return out
}

func asObject(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case Context:
		return typed, true
	default:
		return nil, false
	}
}

// Stringify renders a value the way bucket keys and array selectors compare
// them: integers without a fraction, nil as the empty string, arrays joined
// with commas.
func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.Itoa(typed)
	case int8, int16, int32, int64:
		return strconv.FormatInt(toInt64(typed), 10)
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(toUint64(typed), 10)
	case float32:
		return formatFloat(float64(typed))
	case float64:
		return formatFloat(typed)
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return formatFloat(f)
		}
		return typed.String()
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]string, len(typed))
		for i, item := range typed {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(typed, ",")
	case map[string]any, Context:
		return "[object Object]"
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e21 || abs < 1e-6 {
		return formatExponent(f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatExponent writes f the way Number.prototype.toString does outside
// [1e-6, 1e21): shortest mantissa, signed exponent without padding.
func formatExponent(f float64) string {
	mantissa, exponent, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	sign, digits := exponent[:1], strings.TrimLeft(exponent[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + sign + digits
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case int64:
		return typed
	}
	return 0
}

func toUint64(value any) uint64 {
	switch typed := value.(type) {
	case uint:
		return uint64(typed)
	case uint8:
		return uint64(typed)
	case uint16:
		return uint64(typed)
	case uint32:
		return uint64(typed)
	case uint64:
		return typed
	}
	return 0
}
