package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/domain/policy"
)

var lintApprovals bool

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Lint and test policy files",
}

var policyLintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check policy.yaml for structural problems",
	Long: `Validate policy.yaml and report shadowed policies, missing
catch-alls, malformed gate expressions, and duplicate ids.

Exits non-zero when the lint finds errors.`,
	RunE: runPolicyLint,
}

var policyTestCmd = &cobra.Command{
	Use:   "test <suite.yaml>",
	Short: "Run a policy test suite",
	Long: `Evaluate a suite of expected decisions against policy.yaml.

Each test names an input (server, tool, env) and the expected effect.
Exits non-zero when any test fails.

Example suite:
  tests:
    - name: prod delete blocked
      input: {server: payments, tool: delete_customer, env: prod}
      expect: deny`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyTest,
}

func init() {
	policyLintCmd.Flags().BoolVar(&lintApprovals, "approvals", true, "treat the approvals surface as enabled")
	policyCmd.AddCommand(policyLintCmd)
	policyCmd.AddCommand(policyTestCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyLint(cmd *cobra.Command, args []string) error {
	path := viper.GetString("policy_path")
	cfg, err := config.LoadPolicy(path)
	if err != nil {
		return err
	}

	report := policy.Lint(cfg, lintApprovals)
	for _, e := range report.Errors {
		fmt.Printf("ERROR: %s\n", e)
	}
	for _, w := range report.Warnings {
		fmt.Printf("WARN:  %s\n", w)
	}
	if report.Clean() {
		fmt.Printf("%s: %d policies, no findings\n", path, len(cfg.Policies))
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d lint error(s)", len(report.Errors))
	}
	return nil
}

func runPolicyTest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadPolicy(viper.GetString("policy_path"))
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read suite %s: %w", args[0], err)
	}
	suite, err := policy.ParseSuite(data)
	if err != nil {
		return err
	}

	failed, lines := policy.RunSuite(policy.NewEngine(cfg), suite)
	for _, line := range lines {
		fmt.Println(line)
	}
	fmt.Printf("%d passed, %d failed\n", len(lines)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d test(s) failed", failed)
	}
	return nil
}
