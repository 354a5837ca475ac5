// Package resolver expands @action_id references inside action parameters
// against the outputs of previously satisfied actions.
package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/planweave/planweave"
)

var (
	refPattern      = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)
	exactRefPattern = regexp.MustCompile(`^@([A-Za-z0-9_-]+)$`)
)

// expressionPrefix marks a string parameter whose remainder is evaluated as
// an expression over @id variables instead of substituted textually.
const expressionPrefix = "="

// Resolver is a pure transform: it never mutates its input and returns a
// freshly built parameter tree.
type Resolver struct {
	logger planweave.Logger
}

func New(logger planweave.Logger) *Resolver {
	if logger == nil {
		logger = planweave.NopLogger{}
	}
	return &Resolver{logger: logger}
}

// Resolve returns a new parameter map with every @action_id reference
// replaced by the referenced action's primary output. Unknown references
// are left as literal text.
func (r *Resolver) Resolve(params map[string]interface{}, completed map[string]*planweave.Output) map[string]interface{} {
	if params == nil {
		return nil
	}
	resolved := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved[key] = r.resolveValue(value, completed)
	}
	return resolved
}

func (r *Resolver) resolveValue(value interface{}, completed map[string]*planweave.Output) interface{} {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, completed)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(v))
		for key, inner := range v {
			nested[key] = r.resolveValue(inner, completed)
		}
		return nested
	case []interface{}:
		nested := make([]interface{}, len(v))
		for i, inner := range v {
			nested[i] = r.resolveValue(inner, completed)
		}
		return nested
	default:
		return value
	}
}

func (r *Resolver) resolveString(s string, completed map[string]*planweave.Output) interface{} {
	if strings.HasPrefix(s, expressionPrefix) {
		return r.evaluateExpression(s, completed)
	}

	// A whole-value reference is replaced verbatim, preserving the output
	// exactly as produced.
	if m := exactRefPattern.FindStringSubmatch(s); m != nil {
		if out, ok := completed[m[1]]; ok && out != nil {
			return out.PrimaryOutput
		}
		return s
	}

	// Embedded references are substring-replaced, leaving surrounding text
	// and unresolvable references intact.
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		id := strings.TrimPrefix(match, "@")
		if out, ok := completed[id]; ok && out != nil {
			return out.PrimaryOutput
		}
		return match
	})
}

// evaluateExpression computes an expression-valued parameter. Each @id
// reference becomes a variable bound to that action's primary output. A
// failed evaluation degrades to the original string rather than erroring.
func (r *Resolver) evaluateExpression(s string, completed map[string]*planweave.Output) interface{} {
	exprString := strings.TrimPrefix(s, expressionPrefix)
	parameters := make(map[string]interface{})

	rewritten := refPattern.ReplaceAllStringFunc(exprString, func(match string) string {
		id := strings.TrimPrefix(match, "@")
		out, ok := completed[id]
		if !ok || out == nil {
			return match
		}
		varName := "ref_" + strings.NewReplacer("-", "_").Replace(id)
		parameters[varName] = out.PrimaryOutput
		return varName
	})

	expression, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, expressionFunctions())
	if err != nil {
		r.logger.Warn("invalid parameter expression, keeping literal value", map[string]interface{}{
			"expression": exprString,
			"error":      err.Error(),
		})
		return s
	}

	result, err := expression.Evaluate(parameters)
	if err != nil {
		r.logger.Warn("parameter expression evaluation failed, keeping literal value", map[string]interface{}{
			"expression": exprString,
			"error":      err.Error(),
		})
		return s
	}
	return result
}

// expressionFunctions is the whitelist of helpers available to
// expression-valued parameters.
func expressionFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"len": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
			}
			if s, ok := args[0].(string); ok {
				return float64(len(s)), nil
			}
			return nil, fmt.Errorf("len expects a string argument")
		},
		"upper": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("upper expects 1 argument, got %d", len(args))
			}
			if s, ok := args[0].(string); ok {
				return strings.ToUpper(s), nil
			}
			return nil, fmt.Errorf("upper expects a string argument")
		},
		"lower": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("lower expects 1 argument, got %d", len(args))
			}
			if s, ok := args[0].(string); ok {
				return strings.ToLower(s), nil
			}
			return nil, fmt.Errorf("lower expects a string argument")
		},
		"trim": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("trim expects 1 argument, got %d", len(args))
			}
			if s, ok := args[0].(string); ok {
				return strings.TrimSpace(s), nil
			}
			return nil, fmt.Errorf("trim expects a string argument")
		},
	}
}

// ContainsReference reports whether any string value in the parameter tree
// carries an @action_id reference.
func ContainsReference(params map[string]interface{}) bool {
	var scan func(value interface{}) bool
	scan = func(value interface{}) bool {
		switch v := value.(type) {
		case string:
			return refPattern.MatchString(v)
		case map[string]interface{}:
			for _, inner := range v {
				if scan(inner) {
					return true
				}
			}
		case []interface{}:
			for _, inner := range v {
				if scan(inner) {
					return true
				}
			}
		}
		return false
	}
	for _, value := range params {
		if scan(value) {
			return true
		}
	}
	return false
}

// TruncateForDisplay bounds an oversized tool result for prompt display.
// Results longer than limit are shown head+tail around a marker. The
// original value is never modified, only the displayed copy.
func TruncateForDisplay(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	half := limit / 2
	return string(runes[:half]) + "\n...[TRUNCATED]...\n" + string(runes[len(runes)-half:])
}

// Clip shortens s to at most max runes, replacing the tail with an
// ellipsis. Cuts happen on rune boundaries so multi-byte text stays
// valid UTF-8.
func Clip(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
