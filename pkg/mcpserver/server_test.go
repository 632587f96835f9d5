package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/audit"
	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/llm"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/resilience"
	"github.com/jllopis/careflow/pkg/workflow"
)

func newTestServer(t *testing.T, store audit.Store) *Server {
	t.Helper()
	mock := &llm.MockProvider{ChatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if strings.HasPrefix(req.Messages[1].Content, "goal=") {
			return &llm.ChatResponse{Content: "Book a follow-up.\nconfidence: 0.8"}, nil
		}
		return &llm.ChatResponse{Content: "routine"}, nil
	}}
	client := llm.NewClient(mock, llm.WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(1)))
	reg, err := agent.NewHealthcareRegistry(agent.WithCollaborator(client))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	catalog, err := workflow.NewCatalog(&workflow.Definition{ID: "intake", Steps: []workflow.Step{
		{Name: "Triage", Agent: "triage"},
	}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	orch := orchestrator.New(reg, orchestrator.WithCatalog(catalog))
	return NewServer("careflow-test", "0.0.1", orch, collab.NewCoordinator(reg), store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return tc.Text
}

func TestRunWorkflowTool(t *testing.T) {
	store := audit.NewMemoryStore()
	s := newTestServer(t, store)

	res, err := s.runWorkflow(context.Background(), call("run_workflow", map[string]any{
		"workflow": "intake",
		"input":    map[string]any{"symptoms": "mild cough"},
	}))
	if err != nil {
		t.Fatalf("run_workflow: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", text(t, res))
	}
	var run orchestrator.Run
	if err := json.Unmarshal([]byte(text(t, res)), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(run.Results) != 1 || !run.Results[0].Success {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, err := store.GetRun(context.Background(), run.ID); err != nil {
		t.Fatalf("run not audited: %v", err)
	}
}

type failingStore struct{ audit.Store }

func (failingStore) RecordRun(context.Context, *orchestrator.Run) error {
	return errors.New(errors.CodeInternal, "disk full", nil)
}

func TestRunWorkflowToolSurvivesAuditFailure(t *testing.T) {
	s := newTestServer(t, failingStore{audit.NewMemoryStore()})

	res, err := s.runWorkflow(context.Background(), call("run_workflow", map[string]any{
		"workflow": "intake",
	}))
	if err != nil {
		t.Fatalf("run_workflow: %v", err)
	}
	if res.IsError {
		t.Fatalf("audit failure surfaced as tool error: %s", text(t, res))
	}
	var run orchestrator.Run
	if err := json.Unmarshal([]byte(text(t, res)), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID == "" || len(run.Results) != 1 || run.Results[0].StepName != "Triage" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestRunWorkflowToolErrors(t *testing.T) {
	s := newTestServer(t, nil)

	res, _ := s.runWorkflow(context.Background(), call("run_workflow", map[string]any{}))
	if !res.IsError {
		t.Fatalf("expected error for missing workflow")
	}
	res, _ = s.runWorkflow(context.Background(), call("run_workflow", map[string]any{"workflow": "missing"}))
	if !res.IsError || !strings.HasPrefix(text(t, res), "NOT_FOUND") {
		t.Fatalf("expected NOT_FOUND, got %s", text(t, res))
	}
	res, _ = s.runWorkflow(context.Background(), call("run_workflow", map[string]any{"workflow": "intake", "input": "x"}))
	if !res.IsError {
		t.Fatalf("expected error for non-object input")
	}
}

func TestContributeTool(t *testing.T) {
	s := newTestServer(t, nil)

	res, err := s.contribute(context.Background(), call("contribute", map[string]any{
		"goal":   "Plan follow-up care",
		"agents": []any{"scheduling", "documentation"},
	}))
	if err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", text(t, res))
	}
	var out struct {
		Contributions []collab.Contribution `json:"contributions"`
		Selected      collab.Contribution   `json:"selected"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Contributions) != 2 || out.Selected.AgentID != "scheduling" {
		t.Fatalf("unexpected contributions: %+v", out)
	}

	res, _ = s.contribute(context.Background(), call("contribute", map[string]any{"goal": "x", "agents": "triage"}))
	if !res.IsError {
		t.Fatalf("expected error for non-array agents")
	}
	res, _ = s.contribute(context.Background(), call("contribute", map[string]any{"goal": "x"}))
	if !res.IsError || !strings.HasPrefix(text(t, res), "INVALID_INPUT") {
		t.Fatalf("expected INVALID_INPUT for empty agents")
	}
}

func TestListWorkflowsTool(t *testing.T) {
	s := newTestServer(t, nil)
	res, err := s.listWorkflows(context.Background(), call("list_workflows", nil))
	if err != nil {
		t.Fatalf("list_workflows: %v", err)
	}
	if !strings.Contains(text(t, res), `"id":"intake"`) {
		t.Fatalf("unexpected listing %s", text(t, res))
	}
}
