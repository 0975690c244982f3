package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/charter/internal/logging"
	"github.com/fyrsmithlabs/charter/internal/pipeline"
)

// Recollector re-runs a stage. *orchestrator.Orchestrator satisfies it.
type Recollector interface {
	Recollect(ctx context.Context, runID, stage string) (*pipeline.Run, error)
}

// Server is an MCP server backed by the run repository.
type Server struct {
	mcp         *mcp.Server
	repo        pipeline.Repository
	recollector Recollector
	gateStages  []string
	metrics     *Metrics
	logger      *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "charter")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// GateStages lists the stages the gate requires. Empty means every
	// stage recorded on the run.
	GateStages []string

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "charter",
		Version: "dev",
		Logger:  logging.Nop(),
	}
}

// NewServer creates a new MCP server. recollector may be nil, in which case
// stage_recollect is not registered.
func NewServer(cfg *Config, repo pipeline.Repository, recollector Recollector) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if repo == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "charter"
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp:         mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		repo:        repo,
		recollector: recollector,
		gateStages:  cfg.GateStages,
		metrics:     NewMetrics(logger),
		logger:      logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on the given transport.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
