package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jllopis/careflow/pkg/audit"
	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/workflow"
)

// RunRequest is the body of a workflow run.
type RunRequest struct {
	Input map[string]any `json:"input"`
}

// AdhocRunRequest runs an inline workflow definition.
type AdhocRunRequest struct {
	Workflow json.RawMessage `json:"workflow" binding:"required"`
	Input    map[string]any  `json:"input"`
}

// CollaborationRequest asks a set of agents to contribute to a goal.
type CollaborationRequest struct {
	Goal   string   `json:"goal" binding:"required"`
	Agents []string `json:"agents" binding:"required"`
}

// CollaborationResponse carries every contribution and the selected one.
type CollaborationResponse struct {
	Goal          string                `json:"goal"`
	Policy        string                `json:"policy"`
	Contributions []collab.Contribution `json:"contributions"`
	Selected      *collab.Contribution  `json:"selected,omitempty"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID         string   `json:"id"`
	Capability string   `json:"capability"`
	Steps      []string `json:"steps,omitempty"`
}

// WorkflowInfo describes a catalog entry.
type WorkflowInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

func (s *Server) listWorkflows(c *gin.Context) {
	catalog := s.orch.Catalog()
	out := []WorkflowInfo{}
	if catalog != nil {
		for _, def := range catalog.List() {
			out = append(out, workflowInfo(def))
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getWorkflow(c *gin.Context) {
	catalog := s.orch.Catalog()
	if catalog == nil {
		writeError(c, errors.New(errors.CodeNotFound, "no workflow catalog configured", nil))
		return
	}
	def, err := catalog.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	raw, err := workflow.MarshalJSON(def, false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (s *Server) runWorkflow(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, errors.New(errors.CodeInvalidInput, "invalid request body", err))
			return
		}
	}
	run, err := s.orch.Run(c.Request.Context(), c.Param("id"), req.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	s.record(c, run)
	c.JSON(http.StatusOK, run)
}

func (s *Server) runAdhoc(c *gin.Context) {
	var req AdhocRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.New(errors.CodeInvalidInput, "invalid request body", err))
		return
	}
	def, err := workflow.ParseJSON(req.Workflow)
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := s.orch.Execute(c.Request.Context(), def, req.Input)
	if err != nil {
		writeError(c, err)
		return
	}
	s.record(c, run)
	c.JSON(http.StatusOK, run)
}

func (s *Server) listRuns(c *gin.Context) {
	if s.audit == nil {
		writeError(c, errors.New(errors.CodeNotFound, "run audit is disabled", nil))
		return
	}
	filter := audit.Filter{WorkflowID: c.Query("workflow")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(c, errors.Newf(errors.CodeInvalidInput, "invalid limit: %s", raw))
			return
		}
		filter.Limit = limit
	}
	runs, err := s.audit.ListRuns(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*orchestrator.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	if s.audit == nil {
		writeError(c, errors.New(errors.CodeNotFound, "run audit is disabled", nil))
		return
	}
	run, err := s.audit.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listAgents(c *gin.Context) {
	out := []AgentInfo{}
	for _, a := range s.agents.List() {
		info := AgentInfo{ID: a.ID(), Capability: a.Capability()}
		if st, ok := a.(interface{ Steps() []string }); ok {
			info.Steps = st.Steps()
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) collaborate(c *gin.Context) {
	var req CollaborationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.New(errors.CodeInvalidInput, "invalid request body", err))
		return
	}
	contributions, err := s.coordinator.Contribute(c.Request.Context(), req.Goal, req.Agents)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := CollaborationResponse{
		Goal:          req.Goal,
		Policy:        s.coordinator.Policy().Name(),
		Contributions: contributions,
	}
	if best, ok := s.coordinator.Select(contributions); ok {
		resp.Selected = &best
	}
	c.JSON(http.StatusOK, resp)
}

// record stores run when auditing is on. Failures are logged only.
func (s *Server) record(c *gin.Context, run *orchestrator.Run) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordRun(c.Request.Context(), run); err != nil {
		s.logger.ErrorContext(c.Request.Context(), "audit.record.failed", "run_id", run.ID, "error", err)
	}
}

func workflowInfo(def *workflow.Definition) WorkflowInfo {
	info := WorkflowInfo{ID: def.ID, Description: def.Description}
	for _, st := range def.Steps {
		info.Steps = append(info.Steps, st.Name)
	}
	return info
}

func writeError(c *gin.Context, err error) {
	fe := errors.AsFlowError(err)
	status := fe.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": fe})
}
