package expr

import "math"

// builtinFunc is the signature of a whitelisted helper.
type builtinFunc func(args []any) (any, error)

// builtins is the closed set of callable functions. The parser rejects any
// call to a name outside this map.
var builtins = map[string]builtinFunc{
	"min":   builtinMin,
	"max":   builtinMax,
	"abs":   builtinAbs,
	"round": builtinRound,
	"floor": builtinFloor,
	"ceil":  builtinCeil,
	"sqrt":  builtinSqrt,
	"log":   builtinLog,
}

// extremumArgs flattens the argument list for min/max: a single list
// argument is iterated, multiple arguments are taken as-is.
func extremumArgs(name string, args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, errorf("%s() requires at least one argument", name)
	}
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			if len(list) == 0 {
				return nil, errorf("%s() of empty list", name)
			}
			return list, nil
		}
	}
	return args, nil
}

func builtinMin(args []any) (any, error) { return extremum("min", args, true) }
func builtinMax(args []any) (any, error) { return extremum("max", args, false) }

func extremum(name string, args []any, less bool) (any, error) {
	items, err := extremumArgs(name, args)
	if err != nil {
		return nil, err
	}
	best := items[0]
	for _, item := range items[1:] {
		op := ">"
		if less {
			op = "<"
		}
		better, err := compare(op, item, best)
		if err != nil {
			return nil, err
		}
		if better {
			best = item
		}
	}
	return best, nil
}

func builtinAbs(args []any) (any, error) {
	if len(args) != 1 {
		return nil, errorf("abs() requires exactly one argument")
	}
	switch t := args[0].(type) {
	case int64:
		if t < 0 {
			return -t, nil
		}
		return t, nil
	case float64:
		return math.Abs(t), nil
	}
	return nil, errorf("abs() requires a number, got %s", typeName(args[0]))
}

// builtinRound rounds half away from zero. With a second argument it rounds
// to that many decimal places.
func builtinRound(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errorf("round() requires one or two arguments")
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, errorf("round() requires a number, got %s", typeName(args[0]))
	}
	if len(args) == 1 {
		return int64(math.Round(f)), nil
	}
	digits, ok := args[1].(int64)
	if !ok {
		return nil, errorf("round() digits must be an integer, got %s", typeName(args[1]))
	}
	scale := math.Pow(10, float64(digits))
	return math.Round(f*scale) / scale, nil
}

func builtinFloor(args []any) (any, error) {
	if len(args) != 1 {
		return nil, errorf("floor() requires exactly one argument")
	}
	if n, ok := args[0].(int64); ok {
		return n, nil
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, errorf("floor() requires a number, got %s", typeName(args[0]))
	}
	return int64(math.Floor(f)), nil
}

func builtinCeil(args []any) (any, error) {
	if len(args) != 1 {
		return nil, errorf("ceil() requires exactly one argument")
	}
	if n, ok := args[0].(int64); ok {
		return n, nil
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, errorf("ceil() requires a number, got %s", typeName(args[0]))
	}
	return int64(math.Ceil(f)), nil
}

func builtinSqrt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, errorf("sqrt() requires exactly one argument")
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, errorf("sqrt() requires a number, got %s", typeName(args[0]))
	}
	if f < 0 {
		return nil, errorf("sqrt() of negative number")
	}
	return math.Sqrt(f), nil
}

// builtinLog is the natural logarithm, or log base b with a second argument.
func builtinLog(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errorf("log() requires one or two arguments")
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, errorf("log() requires a number, got %s", typeName(args[0]))
	}
	if f <= 0 {
		return nil, errorf("log() of non-positive number")
	}
	if len(args) == 1 {
		return math.Log(f), nil
	}
	base, ok := toFloat(args[1])
	if !ok || base <= 0 || base == 1 {
		return nil, errorf("log() base must be a positive number != 1")
	}
	return math.Log(f) / math.Log(base), nil
}
