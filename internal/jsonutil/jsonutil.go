// Package jsonutil contains helpers for working with decoded JSON values,
// i.e. the map[string]any / []any / float64 / string / bool / nil trees
// produced by encoding/json.
package jsonutil

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

const Indent = "  "

// DeepCopy returns a deep copy of a decoded JSON value.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = DeepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = DeepCopy(e)
		}
		return s
	default:
		return v
	}
}

// CopyObject is DeepCopy for JSON objects. A nil map yields an empty map.
func CopyObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepCopy(m).(map[string]any)
}

// Normalize converts numeric values of any Go numeric type to float64,
// so that values coming from code and values decoded from JSON compare equal.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = Normalize(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = Normalize(e)
		}
		return s
	case []string:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = e
		}
		return s
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

// Equal reports whether two decoded JSON values are equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Key returns a canonical string for v that can be used as a set or map key.
// Two values have the same key iff they are Equal.
func Key(v any) string {
	bs, err := json.Marshal(Normalize(v))
	if err != nil {
		// Only unsupported Go types end up here, which cannot occur for decoded JSON.
		return fmt.Sprintf("%#v", v)
	}
	return string(bs)
}

// typeRank orders values of different JSON types: null < bool < number < string < others.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// Compare defines the canonical ordering of JSON values used for sorted lists.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	if c := cmp.Compare(typeRank(a), typeRank(b)); c != 0 {
		return c
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return cmp.Compare(x, b.(string))
	case nil:
		return 0
	}
	return cmp.Compare(Key(a), Key(b))
}

// SortedUnique removes duplicates from xs and sorts the result canonically.
func SortedUnique(xs []any) []any {
	seen := make(map[string]bool, len(xs))
	out := make([]any, 0, len(xs))
	for _, x := range xs {
		k := Key(x)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, x)
	}
	slices.SortStableFunc(out, Compare)
	return out
}

// MarshalIndent encodes v as indented JSON with a trailing newline.
// Map keys are sorted by encoding/json, which keeps the output stable.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", Indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalObject decodes bs, which must contain a JSON object.
func UnmarshalObject(bs []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("expected a JSON object, got null")
	}
	return m, nil
}
