// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package collab implements collaboration mode: several agents give
// independent, scored opinions on a shared goal and a ranking policy picks
// among them.
package collab

import (
	"context"
	"sync"
	"time"
)

// Contribution is one agent's opinion on a goal.
type Contribution struct {
	AgentID       string    `json:"agentId"`
	Text          string    `json:"text"`
	Confidence    float64   `json:"confidence"`
	ContributedAt time.Time `json:"contributedAt"`
}

// Contributor produces a contribution from a read-only workspace snapshot.
type Contributor interface {
	Contribute(ctx context.Context, goal string, ws Workspace) (Contribution, error)
}

// Directory resolves agent ids to contributors.
type Directory interface {
	Contributor(id string) (Contributor, bool)
}

// Workspace collects contributions toward a goal in insertion order.
// The zero value is not usable; use NewWorkspace.
type Workspace struct {
	Goal string

	mu            *sync.RWMutex
	contributions []Contribution
}

// NewWorkspace starts an empty workspace for goal.
func NewWorkspace(goal string) *Workspace {
	return &Workspace{Goal: goal, mu: &sync.RWMutex{}}
}

// Append adds contributions. It is the only mutator.
func (w *Workspace) Append(cs ...Contribution) {
	w.mu.Lock()
	w.contributions = append(w.contributions, cs...)
	w.mu.Unlock()
}

// Contributions returns a copy of the contributions in insertion order.
func (w Workspace) Contributions() []Contribution {
	if w.mu == nil {
		return append([]Contribution(nil), w.contributions...)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Contribution(nil), w.contributions...)
}

// Snapshot returns a detached copy that later appends do not affect.
func (w *Workspace) Snapshot() Workspace {
	return Workspace{Goal: w.Goal, mu: &sync.RWMutex{}, contributions: w.Contributions()}
}

// Len returns the number of contributions.
func (w Workspace) Len() int {
	return len(w.Contributions())
}
