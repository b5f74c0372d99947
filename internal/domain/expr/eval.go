package expr

import (
	"math"
	"reflect"
	"strings"
)

// environment holds variable bindings for one evaluation.
type environment struct {
	vars map[string]any
}

// EvalNode evaluates a parsed expression against the given bindings.
func EvalNode(node Node, vars map[string]any) (any, error) {
	env := &environment{vars: vars}
	return node.eval(env)
}

// Truthy reports the boolean value of v: nil, false, zero, the empty
// string, and empty lists/maps are false; everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func (n *literalNode) eval(_ *environment) (any, error) { return n.value, nil }

func (n *nameNode) eval(env *environment) (any, error) {
	v, ok := env.vars[n.name]
	if !ok {
		return nil, errorf("undefined name %q", n.name)
	}
	return normalize(v), nil
}

func (n *listNode) eval(env *environment) (any, error) {
	out := make([]any, len(n.elems))
	for i, e := range n.elems {
		v, err := e.eval(env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *unaryNode) eval(env *environment) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not":
		return !Truthy(v), nil
	case "-":
		switch t := v.(type) {
		case int64:
			return -t, nil
		case float64:
			return -t, nil
		}
		return nil, errorf("unary '-' requires a number, got %s", typeName(v))
	case "+":
		switch v.(type) {
		case int64, float64:
			return v, nil
		}
		return nil, errorf("unary '+' requires a number, got %s", typeName(v))
	}
	return nil, errorf("unknown unary operator %q", n.op)
}

// eval for and/or short-circuits and returns operand values, so numeric
// expressions like "base or 10" behave as authors expect.
func (n *boolNode) eval(env *environment) (any, error) {
	var last any
	for _, e := range n.exprs {
		v, err := e.eval(env)
		if err != nil {
			return nil, err
		}
		if n.op == "and" && !Truthy(v) {
			return v, nil
		}
		if n.op == "or" && Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func (n *binaryNode) eval(env *environment) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return applyBinary(n.op, left, right)
}

func (n *compareNode) eval(env *environment) (any, error) {
	left, err := n.first.eval(env)
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := n.operands[i].eval(env)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func (n *callNode) eval(env *environment) (any, error) {
	fn := builtins[n.name]
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

// applyBinary applies an arithmetic operator with Python-like promotion:
// two ints stay int (except '/'), any float promotes to float. '+' also
// concatenates strings and lists.
func applyBinary(op string, left, right any) (any, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
		if ll, ok := left.([]any); ok {
			if rl, ok := right.([]any); ok {
				out := make([]any, 0, len(ll)+len(rl))
				out = append(out, ll...)
				return append(out, rl...), nil
			}
		}
	}

	li, lIsInt := left.(int64)
	ri, rIsInt := right.(int64)
	if lIsInt && rIsInt {
		return applyIntBinary(op, li, ri)
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, errorf("operator %q requires numbers, got %s and %s", op, typeName(left), typeName(right))
	}
	return applyFloatBinary(op, lf, rf)
}

func applyIntBinary(op string, a, b int64) (any, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, errorf("division by zero")
		}
		return float64(a) / float64(b), nil
	case "%":
		if b == 0 {
			return nil, errorf("modulo by zero")
		}
		// Python-style floored modulo: the result takes the divisor's sign.
		m := a % b
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m, nil
	case "**":
		if b >= 0 {
			return intPow(a, b), nil
		}
		return math.Pow(float64(a), float64(b)), nil
	}
	return nil, errorf("unknown operator %q", op)
}

func applyFloatBinary(op string, a, b float64) (any, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, errorf("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, errorf("modulo by zero")
		}
		m := math.Mod(a, b)
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m, nil
	case "**":
		return math.Pow(a, b), nil
	}
	return nil, errorf("unknown operator %q", op)
}

// intPow computes a**b for b >= 0 by repeated squaring.
func intPow(a, b int64) int64 {
	var result int64 = 1
	for b > 0 {
		if b&1 == 1 {
			result *= a
		}
		a *= a
		b >>= 1
	}
	return result
}

// compare applies one comparison operator.
func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "in":
		return contains(right, left)
	case "not in":
		ok, err := contains(right, left)
		return !ok, err
	}

	// Ordering: numbers cross-type, strings lexicographic.
	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		if !ok {
			return false, errorf("cannot compare %s with %s", typeName(left), typeName(right))
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return false, errorf("cannot compare %s with %s", typeName(left), typeName(right))
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return false, errorf("operator %q not supported for %s", op, typeName(left))
}

// contains implements membership: element of a list/tuple, substring of a
// string, or key of a map.
func contains(container, member any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, item := range c {
			if valuesEqual(item, member) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := member.(string)
		if !ok {
			return false, errorf("'in <string>' requires a string member, got %s", typeName(member))
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		s, ok := member.(string)
		if !ok {
			return false, nil
		}
		_, found := c[s]
		return found, nil
	}
	return false, errorf("'in' requires a list, string, or mapping, got %s", typeName(container))
}

// valuesEqual compares values with numeric cross-type equality.
func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat widens a numeric value to float64. Booleans are not numbers here.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// normalize widens binding values coming from callers into the evaluator's
// canonical types. JSON-decoded maps and YAML-decoded ints both pass through
// here, so the evaluator only ever sees int64/float64/string/bool/[]any/map.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "mapping"
	default:
		return reflect.TypeOf(v).String()
	}
}
