package risk

import (
	"path/filepath"
	"strings"

	"github.com/ctrl-plane/ctrl/internal/config"
)

// matchPattern reports whether value matches a glob pattern with * and ?
// wildcards. A lone "*" (or an empty pattern) matches everything, including
// values that contain separators filepath.Match would treat specially.
func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == config.MatchAny {
		return true
	}
	ok, err := filepath.Match(pattern, value)
	if err != nil {
		return false
	}
	return ok
}

// matchWhen reports whether a rule's when clause selects the intent. The
// three pattern fields and every argument predicate must all hold.
func matchWhen(when config.RiskRuleWhen, intent Intent) bool {
	if !matchPattern(when.Server, intent.Server) ||
		!matchPattern(when.Tool, intent.Tool) ||
		!matchPattern(when.Env, intent.Env) {
		return false
	}
	for arg, pred := range when.Args {
		actual, ok := intent.Args[arg]
		if !ok {
			return false
		}
		if !matchPredicate(pred, actual) {
			return false
		}
	}
	return true
}

// matchPredicate applies one argument predicate map, e.g. {gte: 1000}.
// All operators in the map must hold. Type mismatches never match: a
// numeric comparison against a string actual is false, not an error.
func matchPredicate(pred config.ArgPredicate, actual any) bool {
	for op, expected := range pred {
		if !matchOp(op, expected, actual) {
			return false
		}
	}
	return true
}

func matchOp(op string, expected, actual any) bool {
	switch op {
	case "eq":
		return looseEqual(actual, expected)
	case "ne":
		return !looseEqual(actual, expected)
	case "gte", "gt", "lte", "lt":
		a, aok := asFloat(actual)
		e, eok := asFloat(expected)
		if !aok || !eok {
			return false
		}
		switch op {
		case "gte":
			return a >= e
		case "gt":
			return a > e
		case "lte":
			return a <= e
		default:
			return a < e
		}
	case "contains":
		s, ok := actual.(string)
		sub, ok2 := expected.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case "in":
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false
	}
	return false
}

// looseEqual compares with numeric cross-type equality, so a JSON float64
// 1000 equals a YAML int 1000.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
