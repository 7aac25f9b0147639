package runtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// arrowHeadPattern matches a leading "(a, b) =>" or "a =>" function head.
// Authored expressions use the arrow form ("(sourceData) => sourceData.items");
// only the body is meaningful to the expression engine.
var arrowHeadPattern = regexp.MustCompile(`^\s*(?:\(\s*[\w\s,]*\)|[A-Za-z_]\w*)\s*=>\s*`)

// ExpressionEvaluator evaluates mapping and selector expressions with the
// expr-lang library. Missing variables resolve to nil instead of failing
// compilation, so expressions can probe optional response fields.
type ExpressionEvaluator struct{}

func NewExpressionEvaluator() *ExpressionEvaluator {
	return &ExpressionEvaluator{}
}

// NormalizeExpression strips an arrow-function head so that both
// "(sourceData) => sourceData.items" and "sourceData.items" evaluate the same.
func NormalizeExpression(expression string) string {
	return arrowHeadPattern.ReplaceAllString(expression, "")
}

func (e *ExpressionEvaluator) Eval(expression string, env map[string]any) (any, error) {
	if env == nil {
		env = map[string]any{}
	}
	env["null"] = nil

	program, err := expr.Compile(NormalizeExpression(expression),
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("error compiling expression '%s': %w", expression, err)
	}

	return expr.Run(program, env)
}

// Interpolate resolves every <<expression>> segment in a template string
// against env and splices the result in place. Strings are embedded verbatim;
// other values are rendered as inline JSON so templates can build request
// bodies directly.
func (e *ExpressionEvaluator) Interpolate(template string, env map[string]any) (string, error) {
	if !strings.Contains(template, "<<") {
		return template, nil
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "<<")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], ">>")
		if end == -1 {
			return "", fmt.Errorf("unclosed <<...>> template in %q", template)
		}
		end += start

		expression := strings.TrimSpace(template[start:end])
		if expression == "" {
			return "", fmt.Errorf("empty <<>> template in %q", template)
		}

		value, err := e.Eval(expression, env)
		if err != nil {
			return "", fmt.Errorf("error evaluating template '%s': %w", expression, err)
		}
		result.WriteString(renderInline(value))

		i = end + 2
	}

	return result.String(), nil
}

// InterpolateMap applies Interpolate to every value of a string map.
func (e *ExpressionEvaluator) InterpolateMap(templates map[string]string, env map[string]any) (map[string]string, error) {
	if templates == nil {
		return nil, nil
	}
	resolved := make(map[string]string, len(templates))
	for key, template := range templates {
		value, err := e.Interpolate(template, env)
		if err != nil {
			return nil, fmt.Errorf("error resolving %q: %w", key, err)
		}
		resolved[key] = value
	}
	return resolved, nil
}

// renderInline converts a resolved value into its inline textual form.
func renderInline(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
