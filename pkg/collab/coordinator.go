// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/careflow/pkg/errors"
)

// Coordinator runs contribution rounds against a directory of agents.
type Coordinator struct {
	dir     Directory
	policy  RankingPolicy
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy replaces the default HighestConfidence policy.
func WithPolicy(p RankingPolicy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithContributionTimeout bounds each agent's contribution.
func WithContributionTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger sets the logger used for skipped contributions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a coordinator resolving agents from dir.
func NewCoordinator(dir Directory, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:    dir,
		policy: HighestConfidence{},
		logger: slog.Default(),
		tracer: otel.Tracer("careflow/collab"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the ranking policy in use.
func (c *Coordinator) Policy() RankingPolicy { return c.policy }

// Contribute runs one round on a fresh workspace for goal and returns the
// contributions in agentIDs order.
func (c *Coordinator) Contribute(ctx context.Context, goal string, agentIDs []string) ([]Contribution, error) {
	return c.Round(ctx, NewWorkspace(goal), agentIDs)
}

// Round asks every agent in agentIDs for a contribution against the same
// snapshot of ws, then appends the results to ws in agentIDs order. Unknown
// agents and failed contributions are logged and skipped.
func (c *Coordinator) Round(ctx context.Context, ws *Workspace, agentIDs []string) ([]Contribution, error) {
	if ws == nil || strings.TrimSpace(ws.Goal) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "collaboration goal is required", nil)
	}
	if len(agentIDs) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "at least one agent id is required", nil)
	}

	ctx, span := c.tracer.Start(ctx, "Collab.Round", trace.WithAttributes(
		attribute.Int("careflow.collab.agent_count", len(agentIDs)),
	))
	defer span.End()

	snapshot := ws.Snapshot()
	slots := make([]*Contribution, len(agentIDs))

	var g errgroup.Group
	for i, id := range agentIDs {
		g.Go(func() error {
			contrib, err := c.contribute(ctx, id, snapshot)
			if err != nil {
				c.logger.WarnContext(ctx, "collab.contribute.skip", "agent", id, "error", err)
				return nil
			}
			slots[i] = &contrib
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Contribution, 0, len(agentIDs))
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	ws.Append(out...)
	span.SetAttributes(attribute.Int("careflow.collab.contributions", len(out)))
	return out, nil
}

// Select applies the coordinator's ranking policy.
func (c *Coordinator) Select(cs []Contribution) (Contribution, bool) {
	return c.policy.Select(cs)
}

func (c *Coordinator) contribute(ctx context.Context, id string, snapshot Workspace) (contrib Contribution, err error) {
	agent, ok := c.dir.Contributor(id)
	if !ok {
		return Contribution{}, errors.Newf(errors.CodeAgentNotFound, "agent not found: %s", id)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.CodeHandlerFault, fmt.Sprintf("contribution panic: %v", r), nil)
		}
	}()

	contrib, err = agent.Contribute(ctx, snapshot.Goal, snapshot)
	if err != nil {
		return Contribution{}, err
	}
	contrib.AgentID = id
	if contrib.ContributedAt.IsZero() {
		contrib.ContributedAt = c.now()
	}
	contrib.Confidence = clamp(contrib.Confidence)
	return contrib, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
