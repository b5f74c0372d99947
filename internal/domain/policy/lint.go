package policy

import (
	"fmt"

	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/domain/expr"
)

// LintReport collects the findings of a policy lint pass. Errors make the
// file unusable; warnings flag shadowed or surprising rules.
type LintReport struct {
	Errors   []string
	Warnings []string
}

// Clean reports whether the lint pass found nothing at all.
func (r *LintReport) Clean() bool {
	return len(r.Errors) == 0 && len(r.Warnings) == 0
}

// Lint checks a policy set for structural problems that validation alone
// does not catch: missing catch-all, earlier policies shadowing later ones,
// and pending effects in deployments without an approvals surface.
func Lint(cfg *config.PolicyConfig, approvalsEnabled bool) *LintReport {
	report := &LintReport{}

	seen := make(map[string]bool, len(cfg.Policies))
	hasCatchAll := false
	for i, p := range cfg.Policies {
		if seen[p.ID] {
			report.Errors = append(report.Errors, fmt.Sprintf("duplicate policy id %q", p.ID))
		}
		seen[p.ID] = true

		if p.Match.Server == config.MatchAny && p.Match.Tool == config.MatchAny && p.Match.Env == config.MatchAny {
			hasCatchAll = true
		}
		if p.Effect == EffectPending && !approvalsEnabled {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("policy %q has effect pending but approvals are not enabled", p.ID))
		}
		if p.RequireApprovalIf != "" {
			if err := expr.Validate(config.NormalizeCondition(p.RequireApprovalIf)); err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("policy %q: require_approval_if: %v", p.ID, err))
			}
		}
		if p.Deny != "" {
			if err := expr.Validate(config.NormalizeCondition(p.Deny)); err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("policy %q: deny: %v", p.ID, err))
			}
		}

		// An earlier policy shadows a later one when each of its three
		// patterns subsumes the later one's.
		for j := i + 1; j < len(cfg.Policies); j++ {
			later := cfg.Policies[j]
			if subsumes(p.Match.Server, later.Match.Server) &&
				subsumes(p.Match.Tool, later.Match.Tool) &&
				subsumes(p.Match.Env, later.Match.Env) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("policy %q shadows later policy %q", p.ID, later.ID))
			}
		}
	}

	if !hasCatchAll {
		report.Warnings = append(report.Warnings,
			"no catch-all policy (server=tool=env=\"*\"); unmatched intents are denied by default")
	}
	return report
}

// subsumes reports whether pattern a matches at least everything b does.
// Deliberately coarse: wildcard or literal equality only.
func subsumes(a, b string) bool {
	return a == config.MatchAny || a == b
}
