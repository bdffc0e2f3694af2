package instance

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// GetVariableBoolean returns the variable when it is a boolean.
func (s *scope) GetVariableBoolean(featureKey, variableKey string, ctx datafile.Context) (bool, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetVariableString returns the variable when it is a string.
func (s *scope) GetVariableString(featureKey, variableKey string, ctx datafile.Context) (string, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetVariableInteger returns the variable as an integer. Numeric strings
// are parsed; fractional numbers are truncated.
func (s *scope) GetVariableInteger(featureKey, variableKey string, ctx datafile.Context) (int64, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return 0, false
	}
	return toInteger(value)
}

// GetVariableDouble returns the variable as a float. Numeric strings are
// parsed.
func (s *scope) GetVariableDouble(featureKey, variableKey string, ctx datafile.Context) (float64, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return 0, false
	}
	return toDouble(value)
}

func (s *scope) GetVariableArray(featureKey, variableKey string, ctx datafile.Context) ([]any, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return nil, false
	}
	arr, ok := value.([]any)
	return arr, ok
}

func (s *scope) GetVariableObject(featureKey, variableKey string, ctx datafile.Context) (map[string]any, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return nil, false
	}
	obj, ok := value.(map[string]any)
	return obj, ok
}

// GetVariableJSON returns the variable decoded from JSON when it is stored
// as a string, or as-is otherwise.
func (s *scope) GetVariableJSON(featureKey, variableKey string, ctx datafile.Context) (any, bool) {
	value, ok := s.GetVariable(featureKey, variableKey, ctx)
	if !ok {
		return nil, false
	}
	str, isString := value.(string)
	if !isString {
		return value, true
	}

	var decoded any
	if err := json.Unmarshal([]byte(str), &decoded); err != nil {
		s.root.logger.Warn("variable is not valid JSON", "feature", featureKey, "variable", variableKey, "error", err)
		return nil, false
	}
	return decoded, true
}

func toInteger(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n, true
		}
		return toInteger(string(typed))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return toInteger(f)
	}
	return 0, false
}

func toDouble(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return f, err == nil
	}
	return 0, false
}
