package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/orchestrator"
	"github.com/jllopis/careflow/pkg/workflow"
)

func sampleRun(id, workflowID string, started time.Time) *orchestrator.Run {
	results := []workflow.ExecutionResult{
		{
			StepName:   "Triage",
			Agent:      "TriageAgent",
			Success:    true,
			Output:     map[string]any{"urgency": "urgent"},
			Duration:   15 * time.Millisecond,
			StartedAt:  started,
			FinishedAt: started.Add(15 * time.Millisecond),
		},
		{
			StepName: "Notify",
			Agent:    "CommunicationAgent",
			Error:    "timeout",
			Code:     errors.CodeTimeout,
		},
	}
	return &orchestrator.Run{
		ID:         id,
		WorkflowID: workflowID,
		Input:      map[string]any{"symptoms": "chest pain"},
		Results:    results,
		Summary:    workflow.Summarize(results),
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	if err := store.RecordRun(ctx, sampleRun("run-1", "intake", base)); err != nil {
		t.Fatalf("record run-1: %v", err)
	}
	if err := store.RecordRun(ctx, sampleRun("run-2", "intake", base.Add(time.Minute))); err != nil {
		t.Fatalf("record run-2: %v", err)
	}
	if err := store.RecordRun(ctx, sampleRun("run-3", "followup", base.Add(2*time.Minute))); err != nil {
		t.Fatalf("record run-3: %v", err)
	}
	if err := store.RecordRun(ctx, &orchestrator.Run{}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input for empty run, got %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.WorkflowID != "intake" || got.Input["symptoms"] != "chest pain" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got.Results))
	}
	if got.Results[0].StepName != "Triage" || got.Results[1].StepName != "Notify" {
		t.Fatalf("results out of order: %+v", got.Results)
	}
	if got.Results[0].Output["urgency"] != "urgent" {
		t.Fatalf("output lost: %+v", got.Results[0].Output)
	}
	if got.Results[1].Code != errors.CodeTimeout || got.Results[1].Error != "timeout" {
		t.Fatalf("failure lost: %+v", got.Results[1])
	}
	if got.Results[0].Duration != 15*time.Millisecond {
		t.Fatalf("duration lost: %v", got.Results[0].Duration)
	}
	if got.Summary.Succeeded != 1 || got.Summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", got.Summary)
	}
	if !got.StartedAt.Equal(base) {
		t.Fatalf("started_at mismatch: %v", got.StartedAt)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	runs, err := store.ListRuns(ctx, Filter{WorkflowID: "intake"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Fatalf("unexpected intake runs: %+v", runs)
	}
	if len(runs[0].Results) != 0 {
		t.Fatalf("list should not carry results")
	}

	runs, err = store.ListRuns(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-3" {
		t.Fatalf("unexpected limited runs: %+v", runs)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", "file:careflow_audit_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	exerciseStore(t, store)
}

func TestNewSQLiteStoreRejectsNilDB(t *testing.T) {
	if _, err := NewSQLiteStore(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
