// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit keeps a trail of workflow runs and their step results for
// callers that want one. The orchestrator itself never persists anything.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/workflow"
)

// Store persists run records.
type Store interface {
	RecordRun(ctx context.Context, run *orchestrator.Run) error
	GetRun(ctx context.Context, id string) (*orchestrator.Run, error)
	// ListRuns returns runs newest first, without step results.
	ListRuns(ctx context.Context, filter Filter) ([]*orchestrator.Run, error)
}

// Filter limits run queries.
type Filter struct {
	WorkflowID string
	Limit      int
}

// MemoryStore keeps runs in memory.
type MemoryStore struct {
	mu   sync.Mutex
	runs []*orchestrator.Run
}

// NewMemoryStore returns an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RecordRun stores a copy of run.
func (s *MemoryStore) RecordRun(_ context.Context, run *orchestrator.Run) error {
	if run == nil || run.ID == "" {
		return errors.New(errors.CodeInvalidInput, "run id is required", nil)
	}
	cp := *run
	cp.Results = append([]workflow.ExecutionResult(nil), run.Results...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, &cp)
	return nil
}

// GetRun returns the run recorded under id.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*orchestrator.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, notFound(id)
}

// ListRuns returns filtered runs, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, filter Filter) ([]*orchestrator.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orchestrator.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *r
		cp.Results = nil
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func notFound(id string) error {
	return errors.Newf(errors.CodeNotFound, "run not found: %s", id).WithContext("run", id)
}

// encodeJSON marshals a payload column; nil becomes "null".
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMap(raw string) map[string]any {
	if raw == "" || raw == "null" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// normalizeTime stores timestamps in UTC.
func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
