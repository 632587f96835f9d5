// Package mcpserver publishes workflow runs and collaborations as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/careflow/pkg/audit"
	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/orchestrator"
)

// Server wraps the mcp-go server with the careflow tools.
type Server struct {
	mcpServer   *server.MCPServer
	orch        *orchestrator.Orchestrator
	coordinator *collab.Coordinator
	audit       audit.Store
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for audit failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server exposing run_workflow, contribute and
// list_workflows. store may be nil.
func NewServer(name, version string, orch *orchestrator.Orchestrator, coordinator *collab.Coordinator, store audit.Store, opts ...Option) *Server {
	s := &Server{
		mcpServer:   server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		orch:        orch,
		coordinator: coordinator,
		audit:       store,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer.AddTool(mcp.NewTool("run_workflow",
		mcp.WithDescription("Run a catalog workflow and return its step results."),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow id")),
		mcp.WithObject("input", mcp.Description("Workflow input values")),
	), s.runWorkflow)

	s.mcpServer.AddTool(mcp.NewTool("contribute",
		mcp.WithDescription("Ask agents for independent contributions to a goal."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Collaboration goal")),
		mcp.WithArray("agents", mcp.Required(), mcp.Description("Agent ids")),
	), s.contribute)

	s.mcpServer.AddTool(mcp.NewTool("list_workflows",
		mcp.WithDescription("List the workflows in the catalog."),
	), s.listWorkflows)

	return s
}

// ServeStdio serves the tools on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// MCPServer exposes the underlying server for other transports.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

func (s *Server) runWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id, _ := args["workflow"].(string)
	if id == "" {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	var input map[string]any
	if raw, ok := args["input"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("input must be an object"), nil
		}
		input = m
	}

	run, err := s.orch.Run(ctx, id, input)
	if err != nil {
		return toolError(err), nil
	}
	if s.audit != nil {
		if err := s.audit.RecordRun(ctx, run); err != nil {
			s.logger.ErrorContext(ctx, "audit.record.failed", "run_id", run.ID, "error", err)
		}
	}
	return jsonResult(run)
}

func (s *Server) contribute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	goal, _ := args["goal"].(string)
	agents, err := stringSlice(args["agents"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	contributions, err := s.coordinator.Contribute(ctx, goal, agents)
	if err != nil {
		return toolError(err), nil
	}
	out := map[string]any{
		"goal":          goal,
		"policy":        s.coordinator.Policy().Name(),
		"contributions": contributions,
	}
	if best, ok := s.coordinator.Select(contributions); ok {
		out["selected"] = best
	}
	return jsonResult(out)
}

func (s *Server) listWorkflows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type entry struct {
		ID          string   `json:"id"`
		Description string   `json:"description,omitempty"`
		Steps       []string `json:"steps"`
	}
	out := []entry{}
	if catalog := s.orch.Catalog(); catalog != nil {
		for _, def := range catalog.List() {
			e := entry{ID: def.ID, Description: def.Description}
			for _, st := range def.Steps {
				e.Steps = append(e.Steps, st.Name)
			}
			out = append(out, e)
		}
	}
	return jsonResult(out)
}

func stringSlice(v any) ([]string, error) {
	switch items := v.(type) {
	case []string:
		return items, nil
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("agents must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("agents must be an array, got %T", v)
	}
}

func toolError(err error) *mcp.CallToolResult {
	fe := errors.AsFlowError(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}
