// Package cmd provides the CLI commands for ctrl.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ctrl-plane/ctrl/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ctrl",
	Short: "ctrl - control plane for agent tool calls",
	Long: `ctrl intercepts tool calls made by AI agents, scores their risk,
applies operator policy, and parks the risky ones for human approval.

Every intercepted call is recorded: the request, the decision that was
made for it, and a full event timeline.

Quick start:
  1. Write servers.yaml, policy.yaml, and risk.yaml
  2. Run: ctrl serve

Configuration:
  Paths and the listen address come from flags or CTRL_* environment
  variables. Example: CTRL_HTTP_ADDR=:9090

Commands:
  serve       Start the control plane server
  policy      Lint and test policy files
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(config.InitViper)

	pf := rootCmd.PersistentFlags()
	pf.String("db", "ctrl.db", "path to the sqlite database")
	pf.String("servers", "servers.yaml", "path to servers.yaml")
	pf.String("policy", "policy.yaml", "path to policy.yaml")
	pf.String("risk", "risk.yaml", "path to risk.yaml")

	_ = viper.BindPFlag("db_path", pf.Lookup("db"))
	_ = viper.BindPFlag("servers_path", pf.Lookup("servers"))
	_ = viper.BindPFlag("policy_path", pf.Lookup("policy"))
	_ = viper.BindPFlag("risk_path", pf.Lookup("risk"))
}
