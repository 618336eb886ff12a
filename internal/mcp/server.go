// Package mcp exposes evaluation as MCP tools over stdio.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the evaluation service directly.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/promptgrade/internal/evaluator"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// Evaluator runs one evaluation. *evaluator.Service implements it.
type Evaluator interface {
	RunEvaluation(ctx context.Context, input string, opts evaluator.Options) *evaluator.Result
}

// Server is an MCP server backed by an Evaluator.
type Server struct {
	mcp       *mcp.Server
	evaluator Evaluator
	history   history.Store
	metrics   *Metrics
	logger    *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "promptgrade").
	Name string
	// Version is the server version (default: "dev").
	Version string
}

// DefaultConfig returns the default implementation name and version.
func DefaultConfig() *Config {
	return &Config{Name: "promptgrade", Version: "dev"}
}

// NewServer creates an MCP server. store may be nil; when set, successful
// evaluations are recorded in it.
func NewServer(cfg *Config, eval Evaluator, store history.Store, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if eval == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		mcp:       mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		evaluator: eval,
		history:   store,
		metrics:   NewMetrics(logger),
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on transport.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
