package config

import (
	"fmt"
	"path"

	"github.com/go-playground/validator/v10"

	"github.com/ctrl-plane/ctrl/internal/domain/expr"
)

// requiredModes must exist in risk.modes; the mode ladder and one_level
// escalation are defined over them.
var requiredModes = []string{"safe", "review", "danger"}

// predicateOps are the recognized argument predicate operators.
var predicateOps = map[string]bool{
	"eq": true, "ne": true,
	"gte": true, "gt": true, "lte": true, "lt": true,
	"contains": true, "in": true,
}

// Validate runs struct-tag validation plus the cross-field rules that tags
// cannot express: uniqueness, mode references, glob syntax, and expression
// well-formedness. Configuration errors surface at startup, not at the
// first matching request.
func (s *Snapshot) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(&s.Servers); err != nil {
		return fmt.Errorf("servers config: %w", err)
	}
	if err := v.Struct(&s.Risk); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	if err := v.Struct(&s.Policy); err != nil {
		return fmt.Errorf("policy config: %w", err)
	}

	if err := validateServers(&s.Servers); err != nil {
		return err
	}
	if err := validateRisk(&s.Risk); err != nil {
		return err
	}
	return validatePolicy(&s.Policy)
}

func validateServers(c *ServersConfig) error {
	seen := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		if seen[srv.Name] {
			return fmt.Errorf("servers[%d]: duplicate server name %q", i, srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}

func validateRisk(c *RiskConfig) error {
	for _, name := range requiredModes {
		if _, ok := c.Modes[name]; !ok {
			return fmt.Errorf("risk.modes: required mode %q missing", name)
		}
	}

	for _, entry := range c.Vars {
		if err := expr.Validate(entry.Expr); err != nil {
			return fmt.Errorf("risk.vars.%s: %w", entry.Name, err)
		}
	}
	for _, entry := range c.SetModeByScore {
		if _, ok := c.Modes[entry.Name]; !ok {
			return fmt.Errorf("risk.set_mode_by_score: unknown mode %q", entry.Name)
		}
		if err := expr.Validate(entry.Expr); err != nil {
			return fmt.Errorf("risk.set_mode_by_score.%s: %w", entry.Name, err)
		}
	}

	for i, rule := range c.Rules {
		if rule.SetMode != "" {
			if _, ok := c.Modes[rule.SetMode]; !ok {
				return fmt.Errorf("risk.rules[%d] (%s): unknown set_mode %q", i, rule.Name, rule.SetMode)
			}
		}
		if rule.ScoreExpr != "" {
			if err := expr.Validate(rule.ScoreExpr); err != nil {
				return fmt.Errorf("risk.rules[%d] (%s): score_expr: %w", i, rule.Name, err)
			}
		}
		for _, pat := range []string{rule.When.Server, rule.When.Tool, rule.When.Env} {
			if err := validatePattern(pat); err != nil {
				return fmt.Errorf("risk.rules[%d] (%s): %w", i, rule.Name, err)
			}
		}
		for arg, pred := range rule.When.Args {
			if len(pred) == 0 {
				return fmt.Errorf("risk.rules[%d] (%s): args.%s: empty predicate", i, rule.Name, arg)
			}
			for op := range pred {
				if !predicateOps[op] {
					return fmt.Errorf("risk.rules[%d] (%s): args.%s: unknown predicate %q", i, rule.Name, arg, op)
				}
			}
		}
	}
	return nil
}

func validatePolicy(c *PolicyConfig) error {
	seen := make(map[string]bool, len(c.Policies))
	for i, p := range c.Policies {
		if seen[p.ID] {
			return fmt.Errorf("policies[%d]: duplicate policy id %q", i, p.ID)
		}
		seen[p.ID] = true

		for _, pat := range []string{p.Match.Server, p.Match.Tool, p.Match.Env} {
			if err := validatePattern(pat); err != nil {
				return fmt.Errorf("policies[%d] (%s): %w", i, p.ID, err)
			}
		}
		if p.RequireApprovalIf != "" {
			if err := expr.Validate(NormalizeCondition(p.RequireApprovalIf)); err != nil {
				return fmt.Errorf("policies[%d] (%s): require_approval_if: %w", i, p.ID, err)
			}
		}
		if p.Deny != "" {
			if err := expr.Validate(NormalizeCondition(p.Deny)); err != nil {
				return fmt.Errorf("policies[%d] (%s): deny: %w", i, p.ID, err)
			}
		}
	}
	return nil
}

// validatePattern rejects glob patterns with malformed syntax.
func validatePattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return nil
}
