package policy

import (
	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/domain/expr"
	"github.com/ctrl-plane/ctrl/internal/domain/risk"
)

// RequiresApproval evaluates a policy's require_approval_if expression
// against the risk result. A missing expression never requires approval; a
// malformed or failing expression fails closed and requires it.
func RequiresApproval(expression string, riskResult risk.Result) bool {
	if expression == "" {
		return false
	}
	truthy, err := evalCondition(expression, riskResult)
	if err != nil {
		return true
	}
	return truthy
}

// DeniesAction evaluates a policy's deny-gating expression against the
// risk result with the same fail-closed posture: a broken gate denies.
func DeniesAction(expression string, riskResult risk.Result) bool {
	if expression == "" {
		return false
	}
	truthy, err := evalCondition(expression, riskResult)
	if err != nil {
		return true
	}
	return truthy
}

func evalCondition(expression string, riskResult risk.Result) (bool, error) {
	bindings := map[string]any{
		"risk_score": int64(riskResult.Score),
		"risk_mode":  riskResult.Mode,
		"risk": map[string]any{
			"score": int64(riskResult.Score),
			"mode":  riskResult.Mode,
		},
	}
	return expr.EvalBool(config.NormalizeCondition(expression), bindings)
}
