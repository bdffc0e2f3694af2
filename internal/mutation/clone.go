package mutation

import (
	"reflect"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// Clone returns a structural deep copy of a JSON-like value. Maps become
// map[string]any and slices []any; scalars are returned as they are.
func Clone(value any) any {
	switch typed := value.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return typed
	case map[string]any:
		return cloneObject(typed)
	case datafile.Context:
		return cloneObject(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = Clone(item)
		}
		return out
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out
	default:
		return cloneReflect(reflect.ValueOf(value))
	}
}

func cloneObject(object map[string]any) map[string]any {
	out := make(map[string]any, len(object))
	for key, item := range object {
		out[key] = Clone(item)
	}
	return out
}

func cloneReflect(value reflect.Value) any {
	switch value.Kind() {
	case reflect.Map:
		if value.Type().Key().Kind() != reflect.String {
			return value.Interface()
		}
		out := make(map[string]any, value.Len())
		iter := value.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Clone(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, value.Len())
		for i := 0; i < value.Len(); i++ {
			out[i] = Clone(value.Index(i).Interface())
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if value.IsNil() {
			return nil
		}
		return Clone(value.Elem().Interface())
	default:
		return value.Interface()
	}
}

func asObject(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case datafile.Context:
		return typed, true
	default:
		return nil, false
	}
}
