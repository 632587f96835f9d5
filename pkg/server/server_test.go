package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/audit"
	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/llm"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/resilience"
	"github.com/jllopis/careflow/pkg/workflow"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T, store audit.Store) *gin.Engine {
	t.Helper()
	mock := &llm.MockProvider{ChatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case strings.HasPrefix(req.Messages[len(req.Messages)-1].Content, "goal="):
			return &llm.ChatResponse{Content: "See a cardiologist.\nconfidence: 0.9"}, nil
		case strings.Contains(req.Messages[0].Content, "triage"):
			return &llm.ChatResponse{Content: "urgent"}, nil
		}
		return &llm.ChatResponse{Content: "Please come in today."}, nil
	}}
	client := llm.NewClient(mock, llm.WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(1)))
	reg, err := agent.NewHealthcareRegistry(agent.WithCollaborator(client))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	catalog, err := workflow.NewCatalog(&workflow.Definition{
		ID:          "urgent-intake",
		Description: "Triage then notify",
		Steps: []workflow.Step{
			{Name: "Triage", Agent: "triage"},
			{Name: "Notify", Agent: "communication", DependsOn: []string{"Triage"}},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	orch := orchestrator.New(reg, orchestrator.WithCatalog(catalog))
	coord := collab.NewCoordinator(reg)

	opts := []Option{WithMode(gin.TestMode)}
	if store != nil {
		opts = append(opts, WithAudit(store))
	}
	return New(orch, reg, coord, opts...).Handler()
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRunWorkflowRecordsAudit(t *testing.T) {
	store := audit.NewMemoryStore()
	router := newTestServer(t, store)

	w := do(router, http.MethodPost, "/api/v1/workflows/urgent-intake/run", `{"input":{"symptoms":"chest pain"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var run orchestrator.Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID == "" || len(run.Results) != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Results[0].StepName != "Triage" || run.Results[0].Output["urgency"] != "urgent" {
		t.Fatalf("unexpected triage result: %+v", run.Results[0])
	}
	if !run.Summary.OK() {
		t.Fatalf("expected a clean run: %+v", run.Summary)
	}

	w = do(router, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected stored run, got %d: %s", w.Code, w.Body.String())
	}
	w = do(router, http.MethodGet, "/api/v1/runs?workflow=urgent-intake&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list runs: %d", w.Code)
	}
	var runs []orchestrator.Run
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected list: %+v", runs)
	}
}

func TestRunUnknownWorkflow(t *testing.T) {
	router := newTestServer(t, nil)
	w := do(router, http.MethodPost, "/api/v1/workflows/missing/run", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}

func TestRunAdhocRejectsInvalidWorkflow(t *testing.T) {
	router := newTestServer(t, nil)
	w := do(router, http.MethodPost, "/api/v1/runs",
		`{"workflow":{"steps":[{"name":"A","agent":"triage","depends_on":["B"]}]}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var body errorBody
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != "INVALID_WORKFLOW" {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}
}

func TestRunAdhocGhostAgent(t *testing.T) {
	router := newTestServer(t, nil)
	w := do(router, http.MethodPost, "/api/v1/runs",
		`{"workflow":{"steps":[{"name":"Haunt","agent":"GhostAgent"}]},"input":{}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("step faults are not request errors, got %d", w.Code)
	}
	var run orchestrator.Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Results[0].Success || run.Results[0].Code != "AGENT_NOT_FOUND" {
		t.Fatalf("unexpected result: %+v", run.Results[0])
	}
}

func TestRunsWithoutAudit(t *testing.T) {
	router := newTestServer(t, nil)
	if w := do(router, http.MethodGet, "/api/v1/runs/abc", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListWorkflowsAndAgents(t *testing.T) {
	router := newTestServer(t, nil)

	w := do(router, http.MethodGet, "/api/v1/workflows", "")
	var workflows []WorkflowInfo
	if err := json.Unmarshal(w.Body.Bytes(), &workflows); err != nil {
		t.Fatalf("decode workflows: %v", err)
	}
	if len(workflows) != 1 || workflows[0].ID != "urgent-intake" || len(workflows[0].Steps) != 2 {
		t.Fatalf("unexpected workflows: %+v", workflows)
	}

	w = do(router, http.MethodGet, "/api/v1/workflows/urgent-intake", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"depends_on":["Triage"]`) {
		t.Fatalf("unexpected definition: %d %s", w.Code, w.Body.String())
	}

	w = do(router, http.MethodGet, "/api/v1/agents", "")
	var agents []AgentInfo
	if err := json.Unmarshal(w.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	found := false
	for _, a := range agents {
		if a.ID == "triage" && len(a.Steps) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("triage agent missing: %+v", agents)
	}
}

func TestCollaborate(t *testing.T) {
	router := newTestServer(t, nil)

	w := do(router, http.MethodPost, "/api/v1/collaborations",
		`{"goal":"Plan care for chest pain","agents":["triage","documentation"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp CollaborationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Contributions) != 2 || resp.Selected == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Contributions[0].AgentID != "triage" || resp.Contributions[1].AgentID != "documentation" {
		t.Fatalf("contributions out of order: %+v", resp.Contributions)
	}
	if resp.Policy != "highest_confidence" {
		t.Fatalf("unexpected policy %q", resp.Policy)
	}

	w = do(router, http.MethodPost, "/api/v1/collaborations", `{"goal":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing agents, got %d", w.Code)
	}
}
