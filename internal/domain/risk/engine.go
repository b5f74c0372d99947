// Package risk maps tool-call intents to a (mode, score) risk assessment
// using an operator-authored rule set and the expression evaluator.
package risk

import (
	"fmt"
	"math"

	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/domain/expr"
)

// Intent is one intercepted tool call, as seen by the scoring and policy
// layers.
type Intent struct {
	Server string
	Tool   string
	Env    string
	Actor  string
	Args   map[string]any
}

// Result is the outcome of scoring one intent.
type Result struct {
	Mode         string
	Score        int
	Reasons      []string
	MatchedRules []string
}

// Map returns the result as a generic mapping, for audit events and
// condition bindings.
func (r Result) Map() map[string]any {
	reasons := r.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	matched := r.MatchedRules
	if matched == nil {
		matched = []string{}
	}
	out := make([]any, len(reasons))
	for i, s := range reasons {
		out[i] = s
	}
	rules := make([]any, len(matched))
	for i, s := range matched {
		rules[i] = s
	}
	return map[string]any{
		"mode":          r.Mode,
		"score":         r.Score,
		"reasons":       out,
		"matched_rules": rules,
	}
}

// ladder is the escalation order. set_mode may jump anywhere, but
// escalate: one_level and failure handling only move rightward.
var ladder = []string{"safe", "review", "danger"}

func ladderIndex(mode string) int {
	for i, m := range ladder {
		if m == mode {
			return i
		}
	}
	// Custom modes sit above the ladder so escalation never downgrades them.
	return len(ladder)
}

// escalateOne bumps the mode one step, saturating at the top.
func escalateOne(mode string) string {
	i := ladderIndex(mode)
	if i >= len(ladder)-1 {
		return mode
	}
	return ladder[i+1]
}

// escalateToReview raises the mode to review if it is below it.
func escalateToReview(mode string) string {
	if ladderIndex(mode) < ladderIndex("review") {
		return "review"
	}
	return mode
}

// compiledExpr pairs a source expression with its parsed form.
type compiledExpr struct {
	name string
	src  string
	node expr.Node
}

type compiledRule struct {
	cfg       config.RiskRule
	scoreExpr expr.Node
}

// Engine scores intents. It is immutable after construction and safe for
// concurrent use.
type Engine struct {
	cfg            *config.RiskConfig
	vars           []compiledExpr
	rules          []compiledRule
	setModeByScore []compiledExpr
}

// NewEngine parses every expression in the config up front, so scoring
// itself never hits a parse error.
func NewEngine(cfg *config.RiskConfig) (*Engine, error) {
	e := &Engine{cfg: cfg}
	for _, entry := range cfg.Vars {
		node, err := expr.Parse(entry.Expr)
		if err != nil {
			return nil, fmt.Errorf("risk var %s: %w", entry.Name, err)
		}
		e.vars = append(e.vars, compiledExpr{name: entry.Name, src: entry.Expr, node: node})
	}
	for _, rule := range cfg.Rules {
		cr := compiledRule{cfg: rule}
		if rule.ScoreExpr != "" {
			node, err := expr.Parse(rule.ScoreExpr)
			if err != nil {
				return nil, fmt.Errorf("risk rule %s: score_expr: %w", rule.Name, err)
			}
			cr.scoreExpr = node
		}
		e.rules = append(e.rules, cr)
	}
	for _, entry := range cfg.SetModeByScore {
		node, err := expr.Parse(entry.Expr)
		if err != nil {
			return nil, fmt.Errorf("risk set_mode_by_score %s: %w", entry.Name, err)
		}
		e.setModeByScore = append(e.setModeByScore, compiledExpr{name: entry.Name, src: entry.Expr, node: node})
	}
	return e, nil
}

// Score runs the full scoring algorithm. It is deterministic and pure:
// evaluator failures feed back into the result as escalations and
// diagnostic reasons, never as errors.
func (e *Engine) Score(intent Intent) Result {
	mode := "safe"
	score := e.cfg.Modes["safe"].Score
	var reasons, matched []string

	bindings := e.baseBindings(intent)

	// Derived vars, in declaration order; a failed var binds to 0 so the
	// remaining vars and rules still evaluate.
	for _, v := range e.vars {
		val, err := expr.EvalNode(v.node, bindings)
		if err != nil {
			bindings[v.name] = int64(0)
			continue
		}
		bindings[v.name] = val
	}

	for _, rule := range e.rules {
		if !matchWhen(rule.cfg.When, intent) {
			continue
		}
		matched = append(matched, rule.cfg.Name)
		if rule.cfg.Reason != "" {
			reasons = append(reasons, rule.cfg.Reason)
		}

		if rule.scoreExpr != nil {
			bindings["score"] = int64(score)
			bindings["mode"] = mode
			val, err := expr.EvalNode(rule.scoreExpr, bindings)
			if n, ok := asFloat(val); err == nil && ok {
				score = clampScore(int(math.Round(n)))
			} else {
				mode = escalateToReview(mode)
				if err == nil {
					err = fmt.Errorf("non-numeric result %v", val)
				}
				reasons = append(reasons, fmt.Sprintf("score_expr failed for rule %s: %v", rule.cfg.Name, err))
			}
		}

		if rule.cfg.SetMode != "" {
			mode = rule.cfg.SetMode
		}
		if rule.cfg.Escalate == "one_level" {
			mode = escalateOne(mode)
		}

		// Realign: the score never sits below the current mode's baseline,
		// so a later low score_expr cannot undercut a rule-imposed mode.
		if base := e.modeScore(mode); score < base {
			score = base
		}
	}

	if len(e.setModeByScore) > 0 {
		bindings["score"] = int64(score)
		bindings["mode"] = mode
		final := ""
		for _, entry := range e.setModeByScore {
			val, err := expr.EvalNode(entry.node, bindings)
			if err != nil {
				mode = escalateToReview(mode)
				reasons = append(reasons, fmt.Sprintf("set_mode_by_score %s failed: %v", entry.name, err))
				continue
			}
			if expr.Truthy(val) {
				final = entry.name
				break
			}
		}
		if final != "" {
			mode = final
		}
		if base := e.modeScore(mode); score < base {
			score = base
		}
	}

	return Result{
		Mode:         mode,
		Score:        clampScore(score),
		Reasons:      reasons,
		MatchedRules: matched,
	}
}

// baseBindings builds the evaluation environment: the intent fields, the
// full args mapping, and every scalar argument hoisted to top level by key.
func (e *Engine) baseBindings(intent Intent) map[string]any {
	bindings := map[string]any{
		"server": intent.Server,
		"tool":   intent.Tool,
		"env":    intent.Env,
		"actor":  intent.Actor,
		"args":   intent.Args,
	}
	// An arg sharing a name with an intent field wins; the full values stay
	// reachable through the args mapping.
	for k, v := range intent.Args {
		switch v.(type) {
		case int, int64, float64, string, bool:
			bindings[k] = v
		}
	}
	return bindings
}

func (e *Engine) modeScore(mode string) int {
	if m, ok := e.cfg.Modes[mode]; ok {
		return m.Score
	}
	return 0
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
