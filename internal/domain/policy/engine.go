// Package policy decides the fate of tool-call intents: first-match-wins
// glob matching over declared policies with a default-deny fallback.
package policy

import (
	"fmt"
	"path/filepath"

	"github.com/ctrl-plane/ctrl/internal/config"
)

// Decision effects.
const (
	EffectAllow   = "allow"
	EffectDeny    = "deny"
	EffectPending = "pending"
)

// Decision is the outcome of evaluating one intent against the policy set.
type Decision struct {
	Effect string
	// PolicyID is empty when no policy matched (the synthetic default
	// deny).
	PolicyID         string
	Reason           string
	MatchedCondition string
	// Index is the position of the matched policy, -1 for default deny.
	Index int
}

// Engine evaluates intents against an ordered policy list. Immutable after
// construction and safe for concurrent use.
type Engine struct {
	cfg *config.PolicyConfig
}

func NewEngine(cfg *config.PolicyConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Decide returns the first matching policy's decision. When nothing
// matches, the intent is denied.
func (e *Engine) Decide(server, tool, env string) Decision {
	for i, p := range e.cfg.Policies {
		if !matchPattern(p.Match.Server, server) ||
			!matchPattern(p.Match.Tool, tool) ||
			!matchPattern(p.Match.Env, env) {
			continue
		}
		reason := p.Reason
		if reason == "" {
			reason = fmt.Sprintf("Matched policy %s", p.ID)
		}
		return Decision{
			Effect:           p.Effect,
			PolicyID:         p.ID,
			Reason:           reason,
			MatchedCondition: fmt.Sprintf("server=%s tool=%s env=%s", p.Match.Server, p.Match.Tool, p.Match.Env),
			Index:            i,
		}
	}
	return Decision{
		Effect:           EffectDeny,
		Reason:           "No policy matched",
		MatchedCondition: "none",
		Index:            -1,
	}
}

// ByID returns the policy with the given id, or nil.
func (e *Engine) ByID(id string) *config.Policy {
	for i := range e.cfg.Policies {
		if e.cfg.Policies[i].ID == id {
			return &e.cfg.Policies[i]
		}
	}
	return nil
}

// matchPattern matches one glob pattern against a value. A lone "*" (or an
// empty pattern) matches everything; malformed patterns never match.
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
