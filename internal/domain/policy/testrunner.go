package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TestCase is one entry of a policy test suite.
type TestCase struct {
	Name  string `yaml:"name"`
	Input struct {
		Server string `yaml:"server"`
		Tool   string `yaml:"tool"`
		Env    string `yaml:"env"`
	} `yaml:"input"`
	// Expect is the expected effect: allow, deny, or pending.
	Expect string `yaml:"expect"`
}

// TestSuite is the top-level shape of a policy test file.
type TestSuite struct {
	Tests []TestCase `yaml:"tests"`
}

// ParseSuite decodes a YAML test suite.
func ParseSuite(data []byte) (*TestSuite, error) {
	var suite TestSuite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("parse test suite: %w", err)
	}
	if len(suite.Tests) == 0 {
		return nil, fmt.Errorf("test suite has no tests")
	}
	return &suite, nil
}

// RunSuite evaluates every test case through Decide and returns the number
// of failures plus one human-readable line per test.
func RunSuite(engine *Engine, suite *TestSuite) (int, []string) {
	failed := 0
	lines := make([]string, 0, len(suite.Tests))
	for i, tc := range suite.Tests {
		name := tc.Name
		if name == "" {
			name = fmt.Sprintf("test-%d", i)
		}
		d := engine.Decide(tc.Input.Server, tc.Input.Tool, tc.Input.Env)
		if d.Effect == tc.Expect {
			lines = append(lines, fmt.Sprintf("PASS %s: %s/%s/%s -> %s",
				name, tc.Input.Server, tc.Input.Tool, tc.Input.Env, d.Effect))
			continue
		}
		failed++
		policyID := d.PolicyID
		if policyID == "" {
			policyID = "default-deny"
		}
		lines = append(lines, fmt.Sprintf("FAIL %s: %s/%s/%s -> %s (policy %s), expected %s",
			name, tc.Input.Server, tc.Input.Tool, tc.Input.Env, d.Effect, policyID, tc.Expect))
	}
	return failed, lines
}
