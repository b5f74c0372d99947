package config

import "strings"

// conditionReplacer rewrites the dot-prefixed spellings risk.score and
// risk.mode into plain identifiers the evaluator can resolve. Both forms
// are documented and equivalent.
var conditionReplacer = strings.NewReplacer(
	"risk.score", "risk_score",
	"risk.mode", "risk_mode",
)

// NormalizeCondition canonicalizes a policy gate expression. Validation and
// evaluation both go through it so they accept the same language.
func NormalizeCondition(expression string) string {
	return conditionReplacer.Replace(expression)
}
