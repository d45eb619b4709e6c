package docstore

import (
	"reflect"
	"testing"
)

func TestNormalize_JSONShape(t *testing.T) {
	type meta struct {
		Label string `json:"label"`
	}
	got, err := Normalize(map[string]any{
		"n":    3,
		"meta": meta{Label: "laptop"},
		"list": []string{"a", "b"},
		"gone": nil,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	want := map[string]any{
		"n":    float64(3),
		"meta": map[string]any{"label": "laptop"},
		"list": []any{"a", "b"},
		"gone": nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize = %#v, want %#v", got, want)
	}
}

func TestApply(t *testing.T) {
	base := map[string]any{"a": 1.0, "b": "x"}

	tests := []struct {
		name   string
		fields map[string]any
		merge  bool
		want   map[string]any
	}{
		{"replace", map[string]any{"c": true}, false, map[string]any{"c": true}},
		{"merge overlay", map[string]any{"b": "y"}, true, map[string]any{"a": 1.0, "b": "y"}},
		{"merge delete", map[string]any{"a": nil}, true, map[string]any{"b": "x"}},
		{"replace drops nil", map[string]any{"a": nil, "d": 2.0}, false, map[string]any{"d": 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(base, tt.fields, tt.merge)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Apply = %#v, want %#v", got, tt.want)
			}
		})
	}
	if base["a"] != 1.0 || len(base) != 2 {
		t.Fatalf("Apply mutated base: %#v", base)
	}
}

func TestChangedKeys(t *testing.T) {
	before := map[string]any{"a": 1.0, "b": []any{"x"}, "c": "same"}
	after := map[string]any{"b": []any{"x", "y"}, "c": "same", "d": false}

	got := ChangedKeys(before, after)
	want := []string{"a", "b", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ChangedKeys = %v, want %v", got, want)
	}
	if keys := ChangedKeys(nil, nil); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestClone_Deep(t *testing.T) {
	src := map[string]any{"m": map[string]any{"k": "v"}, "l": []any{map[string]any{"x": 1.0}}}
	cp := Clone(src)

	cp["m"].(map[string]any)["k"] = "changed"
	cp["l"].([]any)[0].(map[string]any)["x"] = 2.0

	if src["m"].(map[string]any)["k"] != "v" {
		t.Fatalf("nested map shared with clone")
	}
	if src["l"].([]any)[0].(map[string]any)["x"] != 1.0 {
		t.Fatalf("nested slice shared with clone")
	}
}
