package flatten

import (
	"reflect"
	"testing"
)

func TestNormalizeRowsFieldsWrapper(t *testing.T) {
	in := []any{
		map[string]any{"fields": map[string]any{
			"a": map[string]any{"value": "x"},
			"b": map[string]any{"value": float64(1)},
		}},
	}
	got := NormalizeRows(in)
	want := []map[string]any{{"a": "x", "b": float64(1)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestNormalizeRowsShapes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []map[string]any
	}{
		{"nil", nil, nil},
		{"plain rows", []any{map[string]any{"a": "x"}}, []map[string]any{{"a": "x"}}},
		{"rows carrier", map[string]any{"rows": []any{map[string]any{"a": "x"}}}, []map[string]any{{"a": "x"}}},
		{"data carrier", map[string]any{"data": []any{map[string]any{"a": "x"}}}, []map[string]any{{"a": "x"}}},
		{"json string", `[{"fields":{"a":{"value":"x"}}}]`, []map[string]any{{"a": "x"}}},
		{"single row object", map[string]any{"a": "x"}, []map[string]any{{"a": "x"}}},
		{"garbage string", "not json", nil},
		{"scalar", float64(3), nil},
		{"non-map elements dropped", []any{"x", map[string]any{"a": "y"}}, []map[string]any{{"a": "y"}}},
	}
	for _, c := range cases {
		got := NormalizeRows(c.in)
		if len(got) == 0 && len(c.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: got %#v, want %#v", c.name, got, c.want)
		}
	}
}

func TestIsSubformField(t *testing.T) {
	cases := []struct {
		name     string
		declared string
		value    any
		want     bool
	}{
		{"declared subform, empty value", "subform", nil, true},
		{"declared tableau", "tableau", []any{}, true},
		{"fixlist is a scalar", "fixlist", "choice_a", false},
		{"undeclared array with rows", "text", []any{map[string]any{"a": "x"}}, true},
		{"undeclared empty array", "text", []any{}, false},
		{"json string array", "text", `[{"a":"x"}]`, true},
		{"geolocation object stays scalar", "geolocation", map[string]any{"lat": 48.85, "lon": 2.35}, false},
		{"rows carrier object", "text", map[string]any{"rows": []any{map[string]any{"a": "x"}}}, true},
		{"plain string", "text", "hello", false},
	}
	for _, c := range cases {
		if got := IsSubformField(c.declared, c.value); got != c.want {
			t.Errorf("%s: IsSubformField(%q, %#v) = %v, want %v", c.name, c.declared, c.value, got, c.want)
		}
	}
}

func TestResolveFields(t *testing.T) {
	raw := map[string]RawField{
		"temperature": {Type: "number", Value: "18.7"},
		"mesures":     {Type: "subform", Value: []any{map[string]any{"v": "1"}}},
	}
	got := ResolveFields(raw)

	if got["temperature"].Kind != KindScalar || got["temperature"].Value != "18.7" {
		t.Fatalf("temperature resolved wrong: %#v", got["temperature"])
	}
	m := got["mesures"]
	if m.Kind != KindRepeating || len(m.Rows) != 1 || m.Rows[0]["v"] != "1" {
		t.Fatalf("mesures resolved wrong: %#v", m)
	}
}
