// Package config provides loading and validation for the ctrl configuration
// files: servers.yaml, policy.yaml, and risk.yaml.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MatchAny is the wildcard pattern that matches every value.
const MatchAny = "*"

// Server describes one remote tool server the executor can forward to.
type Server struct {
	// Name is the identifier agents use to address this server.
	Name string `yaml:"name" validate:"required"`
	// Transport selects the wire transport. Only "http" is supported.
	Transport string `yaml:"transport" validate:"required,oneof=http"`
	// BaseURL is the server's JSON-RPC endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

// ServersConfig is the top-level shape of servers.yaml.
type ServersConfig struct {
	Servers  []Server          `yaml:"servers" validate:"required,min=1,dive"`
	Defaults map[string]string `yaml:"defaults"`
}

// ByName returns the server with the given name, or nil.
func (c *ServersConfig) ByName(name string) *Server {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// PolicyMatch selects intents by glob patterns over server, tool, and env.
// Empty fields default to "*".
type PolicyMatch struct {
	Server string `yaml:"server"`
	Tool   string `yaml:"tool"`
	Env    string `yaml:"env"`
}

// Policy is one first-match-wins rule in policy.yaml.
type Policy struct {
	ID     string      `yaml:"id" validate:"required"`
	Match  PolicyMatch `yaml:"match"`
	Effect string      `yaml:"effect" validate:"required,oneof=allow deny pending"`
	Reason string      `yaml:"reason"`
	// RequireApprovalIf is an optional expression over the risk result;
	// truthy (or malformed) means the decision is overridden to pending.
	RequireApprovalIf string `yaml:"require_approval_if"`
	// Deny is an optional expression over the risk result; truthy (or
	// malformed) means the decision is overridden to deny.
	Deny string `yaml:"deny"`
}

// PolicyConfig is the top-level shape of policy.yaml.
type PolicyConfig struct {
	Policies []Policy `yaml:"policies" validate:"dive"`
}

// RiskMode maps a qualitative mode to its baseline score.
type RiskMode struct {
	Score int `yaml:"score" validate:"min=0,max=100"`
}

// ArgPredicate is the predicate map for one argument in a rule's when
// clause, e.g. {gte: 1000} or {in: [staging, prod]}.
type ArgPredicate map[string]any

// RiskRuleWhen selects intents for a risk rule. Pattern fields default to
// "*"; argument predicates are ANDed.
type RiskRuleWhen struct {
	Server string                  `yaml:"server"`
	Tool   string                  `yaml:"tool"`
	Env    string                  `yaml:"env"`
	Args   map[string]ArgPredicate `yaml:"args"`
}

// RiskRule is one entry of risk.rules, applied in declared order.
type RiskRule struct {
	Name     string       `yaml:"name"`
	When     RiskRuleWhen `yaml:"when"`
	Reason   string       `yaml:"reason"`
	SetMode  string       `yaml:"set_mode"`
	Escalate string       `yaml:"escalate" validate:"omitempty,oneof=one_level"`
	// ScoreExpr recomputes the running score; it may reference intent
	// fields, derived vars, and the current score and mode.
	ScoreExpr string `yaml:"score_expr"`
}

// RiskConfig is the risk mapping inside risk.yaml.
type RiskConfig struct {
	// Mode selects the scoring scheme; only "modes" is supported.
	Mode  string              `yaml:"mode" validate:"required,eq=modes"`
	Modes map[string]RiskMode `yaml:"modes" validate:"required"`
	// Vars are derived variables evaluated in declaration order; later
	// entries may reference earlier ones.
	Vars ExprMap `yaml:"vars"`
	// Rules are applied in declared order to every matching intent.
	Rules []RiskRule `yaml:"rules" validate:"dive"`
	// SetModeByScore maps the final score back to a mode; the first
	// truthy expression wins.
	SetModeByScore ExprMap `yaml:"set_mode_by_score"`
}

// RootRiskConfig is the top-level shape of risk.yaml.
type RootRiskConfig struct {
	Risk RiskConfig `yaml:"risk"`
}

// ExprEntry is one name/expression pair of an ordered expression map.
type ExprEntry struct {
	Name string
	Expr string
}

// ExprMap is a YAML mapping of expressions whose declaration order is
// significant. yaml.v3 decodes Go maps unordered, so this walks the node
// content pairwise instead.
type ExprMap []ExprEntry

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *ExprMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of name: expression", node.Line)
	}
	entries := make(ExprMap, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: expression for %q must be a string", val.Line, key.Value)
		}
		entries = append(entries, ExprEntry{Name: key.Value, Expr: val.Value})
	}
	*m = entries
	return nil
}

// SetDefaults fills empty match patterns with the wildcard.
func (c *PolicyConfig) SetDefaults() {
	for i := range c.Policies {
		m := &c.Policies[i].Match
		if m.Server == "" {
			m.Server = MatchAny
		}
		if m.Tool == "" {
			m.Tool = MatchAny
		}
		if m.Env == "" {
			m.Env = MatchAny
		}
	}
}

// SetDefaults fills empty rule patterns with the wildcard, names unnamed
// rules by position, and defaults the scheme selector.
func (c *RiskConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "modes"
	}
	for i := range c.Rules {
		w := &c.Rules[i].When
		if w.Server == "" {
			w.Server = MatchAny
		}
		if w.Tool == "" {
			w.Tool = MatchAny
		}
		if w.Env == "" {
			w.Env = MatchAny
		}
		if c.Rules[i].Name == "" {
			c.Rules[i].Name = fmt.Sprintf("rule-%d", i)
		}
	}
}
