package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/resilience"
	"github.com/jllopis/careflow/pkg/telemetry"
	"github.com/jllopis/careflow/pkg/workflow"
)

type completion struct {
	index  int
	result workflow.ExecutionResult
}

// scheduler holds the state of one run. Only the goroutine calling run
// touches it; step goroutines get a context snapshot and report back on done.
type scheduler struct {
	o      *Orchestrator
	def    *workflow.Definition
	wctx   *workflow.Context
	logger *slog.Logger

	deps       [][]int
	dependents [][]int
	pending    []int
	finished   []bool
	failed     []bool
	results    []workflow.ExecutionResult

	// propagate is set when steps declare DependsOn; implicit sequential
	// ordering does not skip later steps on failure.
	propagate bool
	abortedBy string

	ready []int
	done  chan completion
}

func newScheduler(o *Orchestrator, def *workflow.Definition, input map[string]any, logger *slog.Logger) *scheduler {
	n := len(def.Steps)
	s := &scheduler{
		o:          o,
		def:        def,
		wctx:       workflow.NewContext(input),
		logger:     logger,
		deps:       def.Dependencies(),
		dependents: make([][]int, n),
		pending:    make([]int, n),
		finished:   make([]bool, n),
		failed:     make([]bool, n),
		results:    make([]workflow.ExecutionResult, n),
		propagate:  def.HasDependencies(),
		done:       make(chan completion, n),
	}
	for i, ds := range s.deps {
		s.pending[i] = len(ds)
		for _, j := range ds {
			s.dependents[j] = append(s.dependents[j], i)
		}
		if len(ds) == 0 {
			s.ready = append(s.ready, i)
		}
	}
	return s
}

func (s *scheduler) run(ctx context.Context) []workflow.ExecutionResult {
	var g errgroup.Group
	g.SetLimit(s.o.maxConcurrency)

	remaining := len(s.def.Steps)
	running := 0
	for remaining > 0 {
		for len(s.ready) > 0 {
			i := s.popReady()
			if res, ok := s.settleWithoutRunning(ctx, i); ok {
				s.finish(ctx, i, res)
				remaining--
				continue
			}
			step := s.def.Steps[i]
			a, _ := s.o.agents.Get(step.Agent)
			snapshot := s.wctx.Snapshot()
			running++
			g.Go(func() error {
				s.done <- completion{index: i, result: s.o.execStep(ctx, step, a, snapshot)}
				return nil
			})
		}
		if remaining == 0 || running == 0 {
			break
		}
		c := <-s.done
		running--
		s.finish(ctx, c.index, c.result)
		remaining--
	}
	_ = g.Wait()
	return s.results
}

// popReady takes the lowest ready index so launches follow definition order.
func (s *scheduler) popReady() int {
	best := 0
	for k := 1; k < len(s.ready); k++ {
		if s.ready[k] < s.ready[best] {
			best = k
		}
	}
	i := s.ready[best]
	s.ready = append(s.ready[:best], s.ready[best+1:]...)
	return i
}

// settleWithoutRunning returns the result of a step that must not run:
// aborted runs, failed prerequisites, cancelled contexts and unknown agents.
func (s *scheduler) settleWithoutRunning(ctx context.Context, i int) (workflow.ExecutionResult, bool) {
	step := s.def.Steps[i]
	var err error
	switch {
	case s.abortedBy != "":
		err = errors.Newf(errors.CodeAborted, "run aborted after step failed: %s", s.abortedBy)
	case ctx.Err() != nil:
		err = errors.New(errors.CodeContextLost, "run cancelled", ctx.Err())
	default:
		if up := s.failedPrerequisite(i); up != "" {
			err = errors.Newf(errors.CodeUpstreamFailed, "upstream step failed: %s", up)
		} else if _, ok := s.o.agents.Get(step.Agent); !ok {
			err = errors.Newf(errors.CodeAgentNotFound, "agent not found: %s", step.Agent)
		}
	}
	if err == nil {
		return workflow.ExecutionResult{}, false
	}
	res := workflow.Failed(step.Name, step.Agent, err)
	now := s.o.now()
	res.StartedAt, res.FinishedAt = now, now
	return res, true
}

// failedPrerequisite names the first declared dependency that failed or was skipped.
func (s *scheduler) failedPrerequisite(i int) string {
	if !s.propagate {
		return ""
	}
	for _, name := range s.def.Steps[i].DependsOn {
		if j := s.def.Index(name); j >= 0 && s.failed[j] {
			return name
		}
	}
	return ""
}

// finish records a settled step and releases its dependents. The run
// context is written only here.
func (s *scheduler) finish(ctx context.Context, i int, res workflow.ExecutionResult) {
	step := s.def.Steps[i]
	s.results[i] = res
	s.finished[i] = true

	if res.Success {
		s.wctx.Record(step.Name, res.Output)
		s.logger.InfoContext(ctx, "orchestrator.step.complete",
			"step", step.Name, "agent", res.Agent, "duration", res.Duration, "fallback", res.Fallback)
	} else {
		s.failed[i] = true
		if s.o.stopOnFirstFailure && s.abortedBy == "" {
			s.abortedBy = step.Name
		}
		s.logger.WarnContext(ctx, "orchestrator.step.failed",
			"step", step.Name, "agent", res.Agent, "code", res.Code, "error", res.Error)
	}
	if !res.Skipped() {
		var err error
		if !res.Success {
			err = errors.New(res.Code, res.Error, nil)
		}
		s.o.metrics.RecordStep(ctx, step.Name, res.Agent, res.Duration, err)
	}

	for _, k := range s.dependents[i] {
		s.pending[k]--
		if s.pending[k] == 0 {
			s.ready = append(s.ready, k)
		}
	}
}

// normalize enforces that exactly one of Output and Error is set, whatever
// the agent returned.
func normalize(res *workflow.ExecutionResult) {
	if res.Success {
		if res.Output == nil {
			res.Output = map[string]any{}
		}
		res.Error = ""
		res.Code = ""
		return
	}
	res.Output = nil
	if res.Code == "" {
		res.Code = errors.CodeHandlerFault
	}
	if res.Error == "" {
		res.Error = "step failed: " + string(res.Code)
	}
}

// execStep runs one step under its deadline. Every outcome is a result.
func (o *Orchestrator) execStep(ctx context.Context, step workflow.Step, a agent.Agent, snapshot *workflow.Context) workflow.ExecutionResult {
	timeout := o.stepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.Step", trace.WithAttributes(
		telemetry.StepAttributes(step.Name, a.ID())...,
	))
	defer span.End()

	start := o.now()
	res, err := resilience.WithDeadline(ctx, timeout, func(ctx context.Context) (res workflow.ExecutionResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New(errors.CodeHandlerFault, fmt.Sprintf("agent panic: %v", r), nil)
			}
		}()
		return a.Execute(ctx, step, snapshot), nil
	})
	if err != nil {
		res = workflow.Failed(step.Name, a.ID(), err)
	}
	normalize(&res)
	res.StepName = step.Name
	res.Agent = a.ID()
	res.StartedAt = start
	res.FinishedAt = o.now()
	res.Duration = res.FinishedAt.Sub(start)

	span.SetAttributes(telemetry.OutcomeAttributes(res.Success, string(res.Code),
		float64(res.Duration.Microseconds())/1000)...)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetAttributes(attribute.Bool(telemetry.AttrFallback, res.Fallback))
	}
	return res
}
