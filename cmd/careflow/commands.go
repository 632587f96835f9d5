package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/mcpserver"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/server"
	"github.com/jllopis/careflow/pkg/workflow"
)

// Run starts the HTTP API and blocks until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, g.Stderr, "")
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if c.Watch || cfg.Workflows.Watch {
		if err := a.catalog.Watch(ctx, cfg.Workflows.Dir, a.logger); err != nil {
			return err
		}
	}

	addr := cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	opts := []server.Option{server.WithLogger(a.logger), server.WithMode(cfg.Server.Mode)}
	if a.audit != nil {
		opts = append(opts, server.WithAudit(a.audit))
	}
	return server.New(a.orch, a.registry, a.coordinator, opts...).ListenAndServe(ctx, addr)
}

// Run executes one workflow and prints its results.
func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	if c.Workflow == "" && c.File == "" {
		return errors.New(errors.CodeInvalidInput, "a workflow id or --file is required", nil)
	}
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, g.Stderr, "")
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	input := make(map[string]any, len(c.Input))
	for k, v := range c.Input {
		input[k] = v
	}

	var run *orchestrator.Run
	if c.File != "" {
		def, err := workflow.LoadDefinition(c.File)
		if err != nil {
			return err
		}
		run, err = a.orch.Execute(ctx, def, input)
		if err != nil {
			return err
		}
	} else {
		run, err = a.orch.Run(ctx, c.Workflow, input)
		if err != nil {
			return err
		}
	}

	if a.audit != nil {
		if err := a.audit.RecordRun(ctx, run); err != nil {
			a.logger.Error("audit.record.failed", "run_id", run.ID, "error", err)
		}
	}

	if g.JSON {
		printJSON(g.Stdout, run)
	} else {
		printRun(g.Stdout, run)
	}
	if !run.Summary.OK() {
		return fmt.Errorf("run %s finished with %d failed and %d skipped steps",
			run.ID, run.Summary.Failed, run.Summary.Skipped)
	}
	return nil
}

// Run asks each agent for a contribution and prints the ranked outcome.
func (c *ContributeCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, g.Stderr, c.Policy)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	contributions, err := a.coordinator.Contribute(ctx, c.Goal, c.Agents)
	if err != nil {
		return err
	}
	best, ok := a.coordinator.Select(contributions)

	if g.JSON {
		out := map[string]any{
			"goal":          c.Goal,
			"policy":        a.coordinator.Policy().Name(),
			"contributions": contributions,
		}
		if ok {
			out["selected"] = best
		}
		printJSON(g.Stdout, out)
		return nil
	}

	w := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tCONFIDENCE\tCONTRIBUTION")
	for _, contrib := range contributions {
		fmt.Fprintf(w, "%s\t%.2f\t%s\n", contrib.AgentID, contrib.Confidence, oneLine(contrib.Text, 80))
	}
	w.Flush()
	if ok {
		fmt.Fprintf(g.Stdout, "\nselected (%s): %s\n", a.coordinator.Policy().Name(), best.AgentID)
	} else {
		fmt.Fprintln(g.Stdout, "\nno contributions")
	}
	return nil
}

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warn", "error"
	Message string `json:"message,omitempty"`
}

// Run validates definition files and checks their agents are registered.
func (c *ValidateCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	v, err := newValidator()
	if err != nil {
		return err
	}

	paths := c.Paths
	if len(paths) == 0 {
		paths = []string{cfg.Workflows.Dir}
	}
	files, err := definitionFiles(paths)
	if err != nil {
		return err
	}

	results := make([]checkResult, 0, len(files))
	failed := 0
	for _, path := range files {
		res := checkResult{Name: path, Status: "ok"}
		def, err := workflow.LoadDefinition(path)
		switch {
		case err != nil:
			res.Status, res.Message = "error", err.Error()
			failed++
		default:
			if missing := v.unknownAgents(def); len(missing) > 0 {
				res.Status = "warn"
				res.Message = "unknown agents: " + strings.Join(missing, ", ")
			}
		}
		results = append(results, res)
	}

	if g.JSON {
		printJSON(g.Stdout, results)
	} else {
		w := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tSTATUS\tMESSAGE")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
		}
		w.Flush()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(files))
	}
	return nil
}

// Run serves the MCP tools on stdio until the client disconnects.
func (c *MCPCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, g.Stderr, "")
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return mcpserver.NewServer("careflow", version, a.orch, a.coordinator, a.audit, mcpserver.WithLogger(a.logger)).ServeStdio()
}

// Run prints version information.
func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Stdout, "careflow %s (%s)\n", version, commit)
	return nil
}

// validator checks definitions against the registered agents without
// starting telemetry or opening the audit store.
type validator struct {
	agents map[string]bool
}

func newValidator() (*validator, error) {
	reg, err := agent.NewHealthcareRegistry()
	if err != nil {
		return nil, err
	}
	v := &validator{agents: make(map[string]bool)}
	for _, ag := range reg.List() {
		v.agents[ag.ID()] = true
	}
	return v, nil
}

func (v *validator) unknownAgents(def *workflow.Definition) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, st := range def.Steps {
		if !v.agents[st.Agent] && !seen[st.Agent] {
			seen[st.Agent] = true
			missing = append(missing, st.Agent)
		}
	}
	return missing
}

func definitionFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && workflow.IsDefinitionFile(e.Name()) {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func printRun(w io.Writer, run *orchestrator.Run) {
	fmt.Fprintf(w, "run %s", run.ID)
	if run.WorkflowID != "" {
		fmt.Fprintf(w, " (%s)", run.WorkflowID)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tAGENT\tSTATUS\tDURATION\tDETAIL")
	for _, r := range run.Results {
		status, detail := "ok", outputLine(r.Output)
		switch {
		case r.Success && r.Fallback:
			status = "fallback"
		case !r.Success:
			status, detail = strings.ToLower(string(r.Code)), r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.StepName, r.Agent, status,
			r.Duration.Round(time.Millisecond), oneLine(detail, 60))
	}
	tw.Flush()

	s := run.Summary
	fmt.Fprintf(w, "\n%d steps: %d succeeded, %d failed, %d skipped\n", s.Total, s.Succeeded, s.Failed, s.Skipped)
}

func outputLine(out map[string]any) string {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, out[k]))
	}
	return strings.Join(parts, " ")
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit > 3 && len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}

func printJSON(w io.Writer, value any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(value)
}
