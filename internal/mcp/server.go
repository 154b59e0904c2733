// Package mcp exposes plan evaluation as Model Context Protocol tools so
// agents can gate the Terraform plans they produce.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/ppiankov/plangate/internal/alert"
	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/engine"
	"github.com/ppiankov/plangate/internal/history"
	"github.com/ppiankov/plangate/internal/pipeline"
	"github.com/ppiankov/plangate/internal/ruleset"
)

// Config holds MCP server configuration.
type Config struct {
	RuleSetPath string
	Workers     int
	Version     string

	AuditLog *audit.Log
	History  *history.Store
	Alerts   []alert.Config
	Logger   *zerolog.Logger
}

// Server wraps the MCP SDK server around one loaded rule-set.
type Server struct {
	mcpServer *mcpsdk.Server
	runner    *pipeline.Runner
	history   *history.Store
	logger    zerolog.Logger
}

// New loads the rule-set and registers the tools.
func New(cfg Config) (*Server, error) {
	rs, err := ruleset.Load(cfg.RuleSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule-set: %w", err)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	version := cfg.Version
	if version == "" {
		version = ruleset.EngineVersion
	}

	s := &Server{
		runner: &pipeline.Runner{
			Engine:  engine.New(rs, engine.Options{Workers: cfg.Workers}),
			Audit:   cfg.AuditLog,
			History: cfg.History,
			Alerts:  alert.NewDispatcher(cfg.Alerts),
		},
		history: cfg.History,
		logger:  logger,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "plangate",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves the tools on stdio. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves the tools on t and returns the session.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "plangate_evaluate",
		Description: "Evaluate a Terraform plan (terraform show -json output) against the loaded rule-set. Returns the gating decision, its CLI exit code and every violation.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "plangate_rules",
		Description: "List the rules of the loaded rule-set, or describe one rule by id.",
	}, s.handleRules)

	if s.history != nil {
		mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
			Name:        "plangate_history",
			Description: "List recent evaluation runs from the history store, oldest first.",
		}, s.handleHistory)
	}
}
