package runtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// MapToStruct decodes a loosely typed map into a json-tagged struct. The
// decoding is weakly typed and converts duration and RFC3339 time strings,
// so request bodies assembled from templates or generated code decode
// without a strict schema. Backends use it to read their operation inputs
// out of a resolved request body.
func MapToStruct(m map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("error building decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("error decoding map: %w", err)
	}

	return nil
}

// FlattenInto stores value under prefix and recursively expands nested maps
// and arrays into dotted keys, so both whole-object references
// (currentItem) and dotted-path references (currentItem.id) resolve.
func FlattenInto(dst map[string]any, prefix string, value any) {
	dst[prefix] = value

	if m, ok := value.(map[string]any); ok {
		for k, v := range m {
			FlattenInto(dst, prefix+"."+k, v)
		}
	}

	if arr, ok := value.([]any); ok {
		for i, v := range arr {
			FlattenInto(dst, fmt.Sprintf("%s.%d", prefix, i), v)
		}
	}
}

// ToArray coerces an evaluated value into []any. The second return reports
// whether the value was array-shaped at all.
func ToArray(value any) ([]any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, true
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}

	return nil, false
}

// PreviewJSON renders a compact JSON preview of a value, truncated to max
// characters, for error diagnostics.
func PreviewJSON(value any, max int) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%.*v", max, value)
	}
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
