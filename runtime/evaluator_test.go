package runtime

import (
	"strings"
	"testing"
)

func TestNormalizeExpression(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{"parenthesized head", "(sourceData) => sourceData.items", "sourceData.items"},
		{"bare identifier head", "x => x.a", "x.a"},
		{"multiple parameters", "(a, b) => a", "a"},
		{"empty parameter list", "() => 42", "42"},
		{"no head", "sourceData.items", "sourceData.items"},
		{"arrow inside string untouched", `"a => b"`, `"a => b"`},
		{"leading whitespace", "  (sourceData) =>  sourceData.items", "sourceData.items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeExpression(tt.expression); got != tt.want {
				t.Errorf("NormalizeExpression(%q) = %q, want %q", tt.expression, got, tt.want)
			}
		})
	}
}

func TestEval(t *testing.T) {
	eval := NewExpressionEvaluator()

	t.Run("navigates nested data", func(t *testing.T) {
		env := map[string]any{
			"sourceData": map[string]any{
				"items": []any{1, 2, 3},
			},
		}
		got, err := eval.Eval("(sourceData) => sourceData.items", env)
		if err != nil {
			t.Fatalf("Eval() error = %v", err)
		}
		items, ok := got.([]any)
		if !ok || len(items) != 3 {
			t.Errorf("Eval() = %v, want 3 items", got)
		}
	})

	t.Run("undefined variables resolve to nil", func(t *testing.T) {
		got, err := eval.Eval("missing == null", map[string]any{})
		if err != nil {
			t.Fatalf("Eval() error = %v", err)
		}
		if got != true {
			t.Errorf("Eval() = %v, want true", got)
		}
	})

	t.Run("syntax errors surface", func(t *testing.T) {
		if _, err := eval.Eval("1 +* 2", map[string]any{}); err == nil {
			t.Error("Eval() expected error for invalid expression")
		}
	})
}

func TestInterpolate(t *testing.T) {
	eval := NewExpressionEvaluator()
	env := map[string]any{
		"credentials": map[string]any{"token": "tok_123"},
		"sourceData": map[string]any{
			"offset": 20,
			"ids":    []any{1, 2},
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
		wantErr  bool
	}{
		{"no template passes through", "https://api.test/items", "https://api.test/items", false},
		{"string value embedded verbatim", "Bearer <<credentials.token>>", "Bearer tok_123", false},
		{"numeric value", "offset=<<sourceData.offset>>", "offset=20", false},
		{"array rendered as JSON", `{"ids": <<sourceData.ids>>}`, `{"ids": [1,2]}`, false},
		{"nil renders empty", "x=<<sourceData.missing>>", "x=", false},
		{"multiple segments", "<<credentials.token>>:<<sourceData.offset>>", "tok_123:20", false},
		{"unclosed template", "x=<<sourceData.offset", "", true},
		{"empty template", "x=<<>>", "", true},
		{"bad expression inside template", "x=<<1 +* 2>>", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Interpolate(tt.template, env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Interpolate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Interpolate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInterpolateMap(t *testing.T) {
	eval := NewExpressionEvaluator()
	env := map[string]any{
		"credentials": map[string]any{"token": "tok_123"},
	}

	t.Run("resolves every value", func(t *testing.T) {
		got, err := eval.InterpolateMap(map[string]string{
			"Authorization": "Bearer <<credentials.token>>",
			"Accept":        "application/json",
		}, env)
		if err != nil {
			t.Fatalf("InterpolateMap() error = %v", err)
		}
		if got["Authorization"] != "Bearer tok_123" || got["Accept"] != "application/json" {
			t.Errorf("InterpolateMap() = %v", got)
		}
	})

	t.Run("nil map stays nil", func(t *testing.T) {
		got, err := eval.InterpolateMap(nil, env)
		if err != nil || got != nil {
			t.Errorf("InterpolateMap(nil) = %v, %v", got, err)
		}
	})

	t.Run("error names the failing key", func(t *testing.T) {
		_, err := eval.InterpolateMap(map[string]string{"X-Bad": "<<1 +* 2>>"}, env)
		if err == nil || !strings.Contains(err.Error(), "X-Bad") {
			t.Errorf("InterpolateMap() error = %v, want key name in message", err)
		}
	})
}
