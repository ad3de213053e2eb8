package streaming

import (
	"errors"
	"reflect"
	"testing"
)

func TestParsePartial(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{"empty", "", map[string]any{}},
		{"open brace", "{", map[string]any{}},
		{"partial key", `{"inner_tho`, map[string]any{}},
		{"key without value", `{"a": `, map[string]any{}},
		{"partial string", `{"a": "he`, map[string]any{"a": "he"}},
		{"number at end", `{"a": "x", "b": 1`, map[string]any{"a": "x"}},
		{"number settled", `{"a": "x", "b": 12,`, map[string]any{"a": "x", "b": 12.0}},
		{"partial literal", `{"a": tr`, map[string]any{}},
		{"literal", `{"a": true, "b": null`, map[string]any{"a": true, "b": nil}},
		{"partial array", `{"a": [1, "tw`, map[string]any{"a": []any{1.0, "tw"}}},
		{"dangling escape", `{"a": "line\`, map[string]any{"a": "line"}},
		{"partial unicode escape", `{"a": "x\u00`, map[string]any{"a": "x"}},
		{"lone high surrogate", `{"a": "\ud83d`, map[string]any{"a": ""}},
		{"escaped quote", `{"a": "say \"hi\"`, map[string]any{"a": `say "hi"`}},
		{"nested", `{"a": {"b": null}, "c": "d"}`, map[string]any{"a": map[string]any{"b": nil}, "c": "d"}},
		{"partial nested", `{"a": {"b": "c`, map[string]any{"a": map[string]any{"b": "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePartial(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePartial(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePartialErrors(t *testing.T) {
	if _, err := ParsePartial(`[1, 2]`); !errors.Is(err, ErrNotObject) {
		t.Errorf("expected ErrNotObject, got %v", err)
	}
	for _, input := range []string{`{"a" 1}`, `{a: 1}`, `{"a": tx}`, `{"a": @}`} {
		if _, err := ParsePartial(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestParsePartialGrowsMonotonically(t *testing.T) {
	full := `{"inner_thoughts": "café 😀 \"quoted\"", "query": "x"}`
	prev := ""
	for i := 1; i <= len(full); i++ {
		got, err := ParsePartial(full[:i])
		if err != nil {
			t.Fatalf("prefix %d: %v", i, err)
		}
		cur, _ := got["inner_thoughts"].(string)
		if len(cur) < len(prev) || cur[:len(prev)] != prev {
			t.Fatalf("prefix %d: %q does not extend %q", i, cur, prev)
		}
		prev = cur
	}
	if prev != "café 😀 \"quoted\"" {
		t.Errorf("final value = %q", prev)
	}
}
