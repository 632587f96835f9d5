package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/audit"
	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/config"
	"github.com/jllopis/careflow/pkg/guardrails"
	"github.com/jllopis/careflow/pkg/llm"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/resilience"
	"github.com/jllopis/careflow/pkg/telemetry"
	"github.com/jllopis/careflow/pkg/workflow"
)

// app holds the components every command shares.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *agent.Registry
	catalog     *workflow.Catalog
	orch        *orchestrator.Orchestrator
	coordinator *collab.Coordinator
	audit       audit.Store

	closers []func(context.Context) error
}

func loadConfig(g *Globals) (*config.Config, error) {
	return config.LoadWithOverrides(g.Config, g.Profile, g.Set)
}

// newApp wires config into the agent registry, the catalog, the
// orchestrator and the coordinator. Logs always go to stderr.
func newApp(cfg *config.Config, stderr io.Writer, policy string) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig("careflow", version, telemetry.Config{
		Output:             stderr,
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	metrics, err := telemetry.NewWorkflowMetrics()
	if err != nil {
		a.logger.Warn("telemetry.metrics.disabled", "error", err)
	}

	collaborator, err := newCollaborator(cfg, a.logger)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	a.registry, err = agent.NewHealthcareRegistry(
		agent.WithCollaborator(collaborator),
		agent.WithStepSampling(stepSampling(cfg.Sampling)),
		agent.WithLogger(a.logger),
	)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	a.catalog, _ = workflow.NewCatalog()
	if dir := cfg.Workflows.Dir; dir != "" {
		if _, statErr := os.Stat(dir); statErr == nil {
			if err := a.catalog.LoadDir(dir); err != nil {
				a.close(context.Background())
				return nil, err
			}
		} else {
			a.logger.Debug("catalog.skip", "dir", dir, "error", statErr)
		}
	}

	a.orch = orchestrator.New(a.registry,
		orchestrator.WithCatalog(a.catalog),
		orchestrator.WithStepTimeout(cfg.Orchestrator.StepTimeout),
		orchestrator.WithMaxConcurrency(cfg.Orchestrator.MaxConcurrency),
		orchestrator.WithStopOnFirstFailure(cfg.Orchestrator.StopOnFirstFailure),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(metrics),
	)

	if policy == "" {
		policy = cfg.Collab.Policy
	}
	rank, err := collab.PolicyByName(policy)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.coordinator = collab.NewCoordinator(a.registry,
		collab.WithPolicy(rank),
		collab.WithContributionTimeout(cfg.Collab.ContributionTimeout),
		collab.WithLogger(a.logger),
	)

	if cfg.Audit.Enabled {
		store, err := audit.OpenSQLite(cfg.Audit.DSN)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.audit = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	}
	return a, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func newCollaborator(cfg *config.Config, logger *slog.Logger) (llm.Collaborator, error) {
	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "ollama":
		provider = llm.NewOllama(cfg.LLM.BaseURL)
	case "openai":
		provider = llm.NewOpenAI(
			llm.WithOpenAIModel(cfg.LLM.Model),
			llm.WithOpenAIBaseURL(cfg.LLM.BaseURL),
			llm.WithOpenAIAPIKey(cfg.LLM.APIKey),
		)
	case "mock":
		provider = &llm.MockProvider{Response: cfg.LLM.MockResponse}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.LLM.Retry.MaxAttempts > 0 {
		retry = retry.WithMaxAttempts(cfg.LLM.Retry.MaxAttempts)
	}
	if cfg.LLM.Retry.InitialDelay > 0 {
		retry = retry.WithInitialDelay(cfg.LLM.Retry.InitialDelay)
	}

	opts := []llm.ClientOption{
		llm.WithModel(cfg.LLM.Model),
		llm.WithDefaultMaxTokens(cfg.LLM.MaxTokens),
		llm.WithCallTimeout(cfg.LLM.Timeout),
		llm.WithRetry(retry),
		llm.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "llm." + cfg.LLM.Provider,
			OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
				logger.Warn("llm.breaker.state", "breaker", name, "from", from, "to", to)
			},
		})),
	}
	if cfg.Guardrails.MaskPII {
		mode, err := guardrails.ParsePIIFilterMode(cfg.Guardrails.Mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, llm.WithPromptFilter(guardrails.NewPIIFilter(mode).Mask))
	}
	return llm.NewClient(provider, opts...), nil
}

func stepSampling(in map[string]config.SamplingConfig) map[string]workflow.Sampling {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]workflow.Sampling, len(in))
	for step, s := range in {
		out[step] = workflow.Sampling{Temperature: s.Temperature, MaxTokens: s.MaxTokens}
	}
	return out
}
