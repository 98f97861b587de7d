// Package cmd provides the CLI commands for the cerberus gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cerberus-gate/cerberus/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cerberus",
	Short: "Cerberus - MCP Governance Gateway",
	Long: `Cerberus is an in-line governance gateway for Model Context Protocol
(MCP) traffic. Agents call their MCP servers through the gateway, which
authenticates each request, resolves the tenant's guardrail policies, and
evaluates both directions of every exchange before letting bytes through.

Quick start:
  1. Create a config file: cerberus.yaml
  2. Seed tenants and keys: cerberus seed --file fixtures.yaml
  3. Run: cerberus serve

Configuration:
  Config is loaded from cerberus.yaml in the current directory,
  $HOME/.cerberus/, or /etc/cerberus/.

  Environment variables override config values with the CERBERUS_ prefix.
  Example: CERBERUS_SERVER_ADDR=:9090

Commands:
  serve       Run the gateway
  seed        Load tenants, workspaces, keys, and policies from a fixture
  hash-key    Hash an agent access key for direct database insertion
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
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cerberus.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
