package docstore

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// Normalize returns a deep copy of fields in JSON shape: numbers become float64, structs and
// typed slices become map[string]any / []any. Every store holds exactly what a remote client
// would decode. A nil value is kept (it marks a field deletion in merge writes).
func Normalize(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return decodeObject(b)
}

func decodeObject(b []byte) (map[string]any, error) {
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Apply computes the document produced by writing fields onto base.
// Merge overlays fields on base; otherwise base is discarded. Nil values delete the key.
func Apply(base, fields map[string]any, merge bool) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	if merge {
		for k, v := range base {
			out[k] = v
		}
	}
	for k, v := range fields {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// ChangedKeys returns the sorted set of top-level keys whose values differ between before and after.
func ChangedKeys(before, after map[string]any) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	var out []string
	for k, v := range after {
		seen[k] = struct{}{}
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies a JSON-shaped value tree.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	default:
		return v
	}
}

// Decode converts a JSON-shaped map into dst (a pointer to a struct with json tags).
func Decode(data map[string]any, dst any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
