package expr

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func evalOK(t *testing.T, expression string, vars map[string]any) any {
	t.Helper()
	v, err := Eval(expression, vars)
	if err != nil {
		t.Fatalf("Eval(%q) error: %v", expression, err)
	}
	return v
}

func TestEval_Literals(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"42", int64(42)},
		{"3.5", 3.5},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"True", true},
		{"false", false},
		{"None", nil},
		{"[1, 2, 3]", []any{int64(1), int64(2), int64(3)}},
		{"(1, 'a')", []any{int64(1), "a"}},
		{"[]", []any{}},
	}
	for _, tt := range tests {
		got := evalOK(t, tt.expr, nil)
		switch want := tt.want.(type) {
		case []any:
			gotList, ok := got.([]any)
			if !ok || len(gotList) != len(want) {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, want)
				continue
			}
			for i := range want {
				if gotList[i] != want[i] {
					t.Errorf("Eval(%q)[%d] = %v, want %v", tt.expr, i, gotList[i], want[i])
				}
			}
		default:
			if got != tt.want {
				t.Errorf("Eval(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
			}
		}
	}
}

func TestEval_Arithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"1 + 2 * 3", int64(7)},
		{"(1 + 2) * 3", int64(9)},
		{"10 - 4 - 3", int64(3)},
		{"7 / 2", 3.5},
		{"7 % 3", int64(1)},
		{"-7 % 3", int64(2)}, // floored modulo
		{"2 ** 10", int64(1024)},
		{"2 ** -1", 0.5},
		{"-2 ** 2", int64(-4)}, // unary minus binds looser than **
		{"2 ** 3 ** 2", int64(512)},
		{"1.5 + 1", 2.5},
		{"'a' + 'b'", "ab"},
	}
	for _, tt := range tests {
		if got := evalOK(t, tt.expr, nil); got != tt.want {
			t.Errorf("Eval(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
		}
	}
}

func TestEval_Comparisons(t *testing.T) {
	vars := map[string]any{"amount": 1500, "env": "prod", "repos": []any{"a", "b"}}
	tests := []struct {
		expr string
		want bool
	}{
		{"amount >= 1000", true},
		{"amount < 1000", false},
		{"0 <= amount <= 2000", true},
		{"0 < amount < 100", false},
		{"env == 'prod'", true},
		{"env != 'dev'", true},
		{"'a' in repos", true},
		{"'c' in repos", false},
		{"'c' not in repos", true},
		{"'ro' in env", true},
		{"1 == 1.0", true},
		{"'abc' < 'abd'", true},
	}
	for _, tt := range tests {
		got, err := EvalBool(tt.expr, vars)
		if err != nil {
			t.Fatalf("EvalBool(%q) error: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEval_BooleanLogic(t *testing.T) {
	vars := map[string]any{"score": 70, "mode": "review"}

	// and/or return operand values with short circuit.
	if got := evalOK(t, "score and mode", vars); got != "review" {
		t.Errorf("'score and mode' = %v, want review", got)
	}
	if got := evalOK(t, "0 or score", vars); got != int64(70) {
		t.Errorf("'0 or score' = %v, want 70", got)
	}
	if got := evalOK(t, "not score", vars); got != false {
		t.Errorf("'not score' = %v, want false", got)
	}
	if got := evalOK(t, "score >= 50 and mode == 'review'", vars); got != true {
		t.Errorf("combined condition = %v, want true", got)
	}
}

func TestEval_Functions(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"min(3, 1, 2)", int64(1)},
		{"max([4, 9, 2])", int64(9)},
		{"abs(-5)", int64(5)},
		{"abs(-5.5)", 5.5},
		{"round(2.5)", int64(3)},
		{"round(3.14159, 2)", 3.14},
		{"floor(2.9)", int64(2)},
		{"ceil(2.1)", int64(3)},
		{"sqrt(16)", 4.0},
		{"min(100, max(0, 42))", int64(42)},
	}
	for _, tt := range tests {
		if got := evalOK(t, tt.expr, nil); got != tt.want {
			t.Errorf("Eval(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
		}
	}

	got := evalOK(t, "log(8, 2)", nil)
	if f, ok := got.(float64); !ok || math.Abs(f-3) > 1e-9 {
		t.Errorf("log(8, 2) = %v, want 3", got)
	}
}

func TestParse_RejectsForbiddenConstructs(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"attribute access", "a.b"},
		{"subscript", "a[0]"},
		{"dunder name", "__import__"},
		{"sandbox escape", "__import__('os').system('x')"},
		{"unlisted function", "open('/etc/passwd')"},
		{"eval call", "eval('1')"},
		{"assignment", "a = 1"},
		{"lambda-ish", "lambda: 1"},
		{"empty", ""},
		{"trailing junk", "1 + 2 ;"},
		{"bare bang", "!flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.expr); err == nil {
				t.Fatalf("Validate(%q) expected error, got nil", tt.expr)
			}
		})
	}
}

func TestParse_Limits(t *testing.T) {
	long := strings.Repeat("1+", 600) + "1"
	if err := Validate(long); err == nil {
		t.Fatal("expected length limit error")
	}

	deep := strings.Repeat("(", 60) + "1" + strings.Repeat(")", 60)
	if err := Validate(deep); err == nil {
		t.Fatal("expected nesting depth error")
	}
}

func TestEval_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
		vars map[string]any
	}{
		{"undefined name", "nope + 1", nil},
		{"division by zero", "1 / 0", nil},
		{"type mismatch", "'a' - 1", nil},
		{"sqrt negative", "sqrt(-1)", nil},
		{"min empty list", "min([])", nil},
		{"ordering across types", "'a' < 1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Eval(tt.expr, tt.vars)
			if err == nil {
				t.Fatalf("Eval(%q) expected error, got nil", tt.expr)
			}
			var exprErr *Error
			if !errors.As(err, &exprErr) {
				t.Fatalf("Eval(%q) error type = %T, want *expr.Error", tt.expr, err)
			}
		})
	}
}

func TestEval_NormalizesBindingTypes(t *testing.T) {
	// Callers hand over plain ints and JSON-decoded structures.
	vars := map[string]any{
		"amount": 1000,
		"args":   map[string]any{"repo": "infra", "count": 3},
		"tags":   []any{1, 2},
	}
	if got := evalOK(t, "amount >= 1000", vars); got != true {
		t.Errorf("int binding comparison = %v, want true", got)
	}
	if got := evalOK(t, "'repo' in args", vars); got != true {
		t.Errorf("map membership = %v, want true", got)
	}
	if got := evalOK(t, "1 in tags", vars); got != true {
		t.Errorf("list membership = %v, want true", got)
	}
}

func TestParse_Reuse(t *testing.T) {
	node, err := Parse("score * 2")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	for i, want := range []int64{0, 2, 4} {
		got, err := EvalNode(node, map[string]any{"score": int64(i)})
		if err != nil {
			t.Fatalf("EvalNode() error: %v", err)
		}
		if got != want {
			t.Errorf("EvalNode(score=%d) = %v, want %d", i, got, want)
		}
	}
}
