package risk

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/ctrl-plane/ctrl/internal/config"
)

func buildEngine(t *testing.T, src string) *Engine {
	t.Helper()
	var root config.RootRiskConfig
	if err := yaml.Unmarshal([]byte(src), &root); err != nil {
		t.Fatalf("unmarshal risk config: %v", err)
	}
	root.Risk.SetDefaults()
	engine, err := NewEngine(&root.Risk)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return engine
}

const baseRiskYAML = `
risk:
  mode: modes
  modes:
    safe: {score: 10}
    review: {score: 50}
    danger: {score: 90}
  vars:
    big_amount: "(amount or 0) >= 1000"
  rules:
    - name: refund-review
      when:
        server: payments
        tool: refund
        args:
          amount: {gte: 1000}
      set_mode: review
      reason: large refund needs a second look
    - name: prod-escalation
      when: {env: prod}
      escalate: one_level
      reason: production environment
  set_mode_by_score:
    danger: "score >= 80"
    review: "score >= 40"
    safe: "True"
`

func TestScore_SafeDefault(t *testing.T) {
	engine := buildEngine(t, baseRiskYAML)
	res := engine.Score(Intent{Server: "github", Tool: "list_repos", Env: "dev"})

	if res.Mode != "safe" {
		t.Errorf("mode = %q, want safe", res.Mode)
	}
	if res.Score != 10 {
		t.Errorf("score = %d, want 10", res.Score)
	}
	if len(res.MatchedRules) != 0 {
		t.Errorf("matched rules = %v, want none", res.MatchedRules)
	}
}

func TestScore_RuleSetsModeAndRealigns(t *testing.T) {
	engine := buildEngine(t, baseRiskYAML)
	res := engine.Score(Intent{
		Server: "payments", Tool: "refund", Env: "dev",
		Args: map[string]any{"amount": float64(2500)},
	})

	if res.Mode != "review" {
		t.Errorf("mode = %q, want review", res.Mode)
	}
	// Realignment lifts the score to the mode baseline.
	if res.Score != 50 {
		t.Errorf("score = %d, want 50", res.Score)
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0] != "refund-review" {
		t.Errorf("matched rules = %v", res.MatchedRules)
	}
	if len(res.Reasons) == 0 || res.Reasons[0] != "large refund needs a second look" {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestScore_EscalationStacks(t *testing.T) {
	engine := buildEngine(t, baseRiskYAML)
	res := engine.Score(Intent{
		Server: "payments", Tool: "refund", Env: "prod",
		Args: map[string]any{"amount": float64(2500)},
	})

	// refund-review sets review, prod-escalation bumps one level.
	if res.Mode != "danger" {
		t.Errorf("mode = %q, want danger", res.Mode)
	}
	if res.Score != 90 {
		t.Errorf("score = %d, want 90", res.Score)
	}
	if len(res.MatchedRules) != 2 {
		t.Errorf("matched rules = %v", res.MatchedRules)
	}
}

func TestScore_EscalateSaturates(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 50}
    danger: {score: 90}
  rules:
    - name: bump-1
      when: {}
      escalate: one_level
    - name: bump-2
      when: {}
      escalate: one_level
    - name: bump-3
      when: {}
      escalate: one_level
`)
	res := engine.Score(Intent{Server: "s", Tool: "t", Env: "dev"})
	if res.Mode != "danger" {
		t.Errorf("mode = %q, want danger (saturated)", res.Mode)
	}
}

func TestScore_ScoreExpr(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 50}
    danger: {score: 90}
  rules:
    - name: amount-scaled
      when:
        tool: refund
      score_expr: "min(100, score + amount / 100)"
`)
	res := engine.Score(Intent{
		Server: "payments", Tool: "refund", Env: "dev",
		Args: map[string]any{"amount": float64(4000)},
	})
	if res.Score != 40 {
		t.Errorf("score = %d, want 40", res.Score)
	}
	if res.Mode != "safe" {
		t.Errorf("mode = %q, want safe", res.Mode)
	}
}

func TestScore_ScoreExprFailureEscalates(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 50}
    danger: {score: 90}
  rules:
    - name: broken
      when: {}
      score_expr: "score + missing_var"
`)
	res := engine.Score(Intent{Server: "s", Tool: "t", Env: "dev"})

	if res.Mode != "review" {
		t.Errorf("mode = %q, want review after score_expr failure", res.Mode)
	}
	if res.Score != 50 {
		t.Errorf("score = %d, want review baseline 50", res.Score)
	}
	if len(res.Reasons) == 0 {
		t.Error("expected a diagnostic reason")
	}
}

func TestScore_FailedVarBindsZero(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 50}
    danger: {score: 90}
  vars:
    broken: "undefined_thing + 1"
    uses_broken: "broken + 5"
  rules:
    - name: apply
      when: {}
      score_expr: "uses_broken * 10"
`)
	res := engine.Score(Intent{Server: "s", Tool: "t", Env: "dev"})
	// broken binds 0, uses_broken = 5, score = 50.
	if res.Score != 50 {
		t.Errorf("score = %d, want 50", res.Score)
	}
}

func TestScore_SetModeByScore(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 40}
    danger: {score: 80}
  rules:
    - name: raise
      when: {}
      score_expr: "85"
  set_mode_by_score:
    danger: "score >= 80"
    review: "score >= 40"
    safe: "True"
`)
	res := engine.Score(Intent{Server: "s", Tool: "t", Env: "dev"})
	if res.Mode != "danger" {
		t.Errorf("mode = %q, want danger", res.Mode)
	}
	if res.Score != 85 {
		t.Errorf("score = %d, want 85", res.Score)
	}
}

func TestScore_ClampedToHundred(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 40}
    danger: {score: 80}
  rules:
    - name: overflow
      when: {}
      score_expr: "score + 5000"
`)
	res := engine.Score(Intent{Server: "s", Tool: "t", Env: "dev"})
	if res.Score != 100 {
		t.Errorf("score = %d, want 100", res.Score)
	}
}

func TestMatchWhen_ArgPredicates(t *testing.T) {
	tests := []struct {
		name string
		pred config.ArgPredicate
		arg  any
		want bool
	}{
		{"gte match", config.ArgPredicate{"gte": 1000}, float64(1500), true},
		{"gte boundary", config.ArgPredicate{"gte": 1000}, float64(1000), true},
		{"gte below", config.ArgPredicate{"gte": 1000}, float64(999), false},
		{"numeric predicate on string actual", config.ArgPredicate{"gte": 1000}, "1500", false},
		{"eq string", config.ArgPredicate{"eq": "prod"}, "prod", true},
		{"eq cross-type numeric", config.ArgPredicate{"eq": 3}, float64(3), true},
		{"ne", config.ArgPredicate{"ne": "dev"}, "prod", true},
		{"lt", config.ArgPredicate{"lt": 10}, float64(3), true},
		{"contains", config.ArgPredicate{"contains": "drop"}, "drop table users", true},
		{"contains non-string actual", config.ArgPredicate{"contains": "x"}, float64(1), false},
		{"in", config.ArgPredicate{"in": []any{"staging", "prod"}}, "prod", true},
		{"in miss", config.ArgPredicate{"in": []any{"staging", "prod"}}, "dev", false},
		{"conjunction", config.ArgPredicate{"gte": 1, "lte": 10}, float64(5), true},
		{"conjunction fails", config.ArgPredicate{"gte": 1, "lte": 10}, float64(50), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			when := config.RiskRuleWhen{
				Server: "*", Tool: "*", Env: "*",
				Args: map[string]config.ArgPredicate{"value": tt.pred},
			}
			intent := Intent{Server: "s", Tool: "t", Env: "dev", Args: map[string]any{"value": tt.arg}}
			if got := matchWhen(when, intent); got != tt.want {
				t.Errorf("matchWhen() = %v, want %v", got, tt.want)
			}
		})
	}

	// A predicate on a missing argument never matches.
	when := config.RiskRuleWhen{Server: "*", Tool: "*", Env: "*",
		Args: map[string]config.ArgPredicate{"absent": {"eq": 1}}}
	if matchWhen(when, Intent{Server: "s", Tool: "t", Env: "dev"}) {
		t.Error("predicate on missing arg should not match")
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"payments", "payments", true},
		{"payments", "github", false},
		{"delete_*", "delete_branch", true},
		{"delete_*", "create_branch", false},
		{"prod?", "prod1", true},
		{"[", "x", false}, // malformed pattern never matches
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestScore_ArgShadowsIntentField(t *testing.T) {
	engine := buildEngine(t, `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 50}
    danger: {score: 90}
  rules:
    - name: env-priced
      when: {tool: reprice}
      score_expr: "env"
`)

	// A scalar arg named like an intent field wins the top-level binding;
	// the intent value stays reachable only through matching patterns.
	res := engine.Score(Intent{
		Server: "payments", Tool: "reprice", Env: "dev",
		Args: map[string]any{"env": float64(77)},
	})
	if res.Mode != "safe" {
		t.Errorf("mode = %q, want safe", res.Mode)
	}
	if res.Score != 77 {
		t.Errorf("score = %d, want 77", res.Score)
	}
	if len(res.Reasons) != 0 {
		t.Errorf("reasons = %v, want none", res.Reasons)
	}
}
