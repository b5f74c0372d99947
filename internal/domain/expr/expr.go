// Package expr implements the restricted expression language used by risk
// rules and policy conditions. The grammar covers literals, variable
// references, arithmetic, comparisons (including chains and membership),
// boolean logic, and a closed set of math helpers. Everything else —
// attribute access, subscripting, dunder names, unlisted functions — is
// rejected at parse time, before any evaluation happens.
//
// Operators author these expressions in YAML config, so the evaluator treats
// its input as untrusted: it has no side effects, cannot reach process state,
// and every failure surfaces as an *Error.
package expr

import "fmt"

// maxExpressionLength is the maximum allowed length for an expression.
const maxExpressionLength = 1024

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// Error is returned for any rejected or failed expression: disallowed
// syntax, unknown names, bad operand types, math domain errors.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "expr: " + e.Msg }

// errorf builds an *Error with a formatted message.
func errorf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Validate parses the expression and checks it against the allowed grammar
// without evaluating it. Returns nil if the expression is acceptable.
func Validate(expression string) error {
	_, err := Parse(expression)
	return err
}

// Parse compiles an expression into an evaluable AST. The returned node can
// be evaluated repeatedly against different binding maps.
func Parse(expression string) (Node, error) {
	if expression == "" {
		return nil, errorf("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	p := newParser(expression)
	node, err := p.parse()
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Eval parses and evaluates the expression against the given variable
// bindings. Values in vars should be int64/float64/string/bool, lists
// ([]any), or maps (map[string]any); int is accepted and widened.
func Eval(expression string, vars map[string]any) (any, error) {
	node, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return EvalNode(node, vars)
}

// EvalBool evaluates the expression and reports the truthiness of the
// result, using the same rules the logical operators use (zero, empty
// string, empty list/map are false).
func EvalBool(expression string, vars map[string]any) (bool, error) {
	v, err := Eval(expression, vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses and brackets.
func validateNesting(expression string) error {
	var depth, maxDepth int
	for _, ch := range expression {
		switch ch {
		case '(', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
