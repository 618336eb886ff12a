package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/promptgrade/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as an MCP server on stdio",
	Long: `Expose the evaluate_text tool to an MCP client over stdin and stdout.
Logs go to stderr.

Examples:
  # Register with an MCP client
  promptgrade mcp`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	cfg := mcp.DefaultConfig()
	cfg.Version = version
	srv, err := mcp.NewServer(cfg, a.service, a.history, a.logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
