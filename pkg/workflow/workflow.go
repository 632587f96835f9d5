// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow holds the workflow data model: step definitions, the
// per-run context, execution results and the definition catalog.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
)

// Sampling overrides the collaborator sampling for one step.
// A nil Temperature or zero MaxTokens leaves the next default in place.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
}

// Step is one named unit of work routed to exactly one agent.
type Step struct {
	Name      string
	Agent     string
	DependsOn []string
	Sampling  *Sampling
	// Timeout overrides the orchestrator step deadline when positive.
	Timeout time.Duration
}

// Definition is an ordered list of steps, optionally dependency-annotated.
type Definition struct {
	ID          string
	Description string
	Steps       []Step
}

// HasDependencies reports whether any step declares DependsOn.
func (d *Definition) HasDependencies() bool {
	for _, s := range d.Steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// Index returns the position of the named step, or -1.
func (d *Definition) Index(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks the definition contract: at least one step, unique
// non-empty names, an agent per step, known dependencies and no cycles.
func (d *Definition) Validate() error {
	if d == nil || len(d.Steps) == 0 {
		return errors.New(errors.CodeInvalidWorkflow, "workflow has no steps", nil)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return errors.Newf(errors.CodeInvalidWorkflow, "step %d has no name", i)
		}
		if seen[s.Name] {
			return errors.Newf(errors.CodeInvalidWorkflow, "duplicate step name: %s", s.Name).
				WithContext("step", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Agent) == "" {
			return errors.Newf(errors.CodeInvalidWorkflow, "step %s has no agent", s.Name).
				WithContext("step", s.Name)
		}
		if s.Timeout < 0 {
			return errors.Newf(errors.CodeInvalidWorkflow, "step %s has a negative timeout", s.Name).
				WithContext("step", s.Name)
		}
		if s.Sampling != nil && s.Sampling.Temperature != nil {
			if t := *s.Sampling.Temperature; t < 0 || t > 1 {
				return errors.Newf(errors.CodeInvalidWorkflow, "step %s temperature %.2f outside [0,1]", s.Name, t).
					WithContext("step", s.Name)
			}
		}
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return errors.Newf(errors.CodeInvalidWorkflow, "step %s depends on unknown step %s", s.Name, dep).
					WithContext("step", s.Name)
			}
			if dep == s.Name {
				return errors.Newf(errors.CodeInvalidWorkflow, "step %s depends on itself", s.Name).
					WithContext("step", s.Name)
			}
		}
	}

	if _, err := d.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// Dependencies returns, for each step index, the indices it must wait for.
// Without any DependsOn annotation every step waits for the previous one.
// Those implicit edges only order the steps: a failed step does not cause
// later steps to be skipped. Only declared DependsOn edges propagate failure.
func (d *Definition) Dependencies() [][]int {
	deps := make([][]int, len(d.Steps))
	if !d.HasDependencies() {
		for i := 1; i < len(d.Steps); i++ {
			deps[i] = []int{i - 1}
		}
		return deps
	}
	index := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		index[s.Name] = i
	}
	for i, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if j, ok := index[dep]; ok {
				deps[i] = append(deps[i], j)
			}
		}
	}
	return deps
}

// TopologicalOrder returns step indices in an order that respects
// dependencies, breaking ties by definition order.
func (d *Definition) TopologicalOrder() ([]int, error) {
	deps := d.Dependencies()
	pending := make([]int, len(deps))
	dependents := make([][]int, len(deps))
	for i, ds := range deps {
		pending[i] = len(ds)
		for _, j := range ds {
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]int, 0, len(deps))
	done := make([]bool, len(deps))
	for len(order) < len(deps) {
		next := -1
		for i := range deps {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, s := range d.Steps {
				if !done[i] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, errors.New(errors.CodeInvalidWorkflow,
				fmt.Sprintf("dependency cycle between steps: %s", strings.Join(stuck, ", ")), nil)
		}
		done[next] = true
		order = append(order, next)
		for _, k := range dependents[next] {
			pending[k]--
		}
	}
	return order, nil
}
