// Promptgrade grades prompts and system prompts.
//
// It runs the evaluation pipeline once from the command line, serves it over
// HTTP, or exposes it as an MCP tool on stdio.
//
// Usage:
//
//	# Evaluate a prompt file
//	promptgrade evaluate prompt.txt
//
//	# Evaluate from stdin, structure only
//	cat prompt.txt | promptgrade evaluate --phase structure -
//
//	# Serve the HTTP API
//	promptgrade serve
//
//	# Run as an MCP server on stdio
//	promptgrade mcp
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the optional YAML configuration file.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "promptgrade",
	Short: "Evaluate and improve prompts",
	Long: `promptgrade scores a prompt against a structural rubric, executes it to judge
real outputs, proposes a rewritten version and combines everything into a
composite score.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/promptgrade/config.yaml)")
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "promptgrade by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
