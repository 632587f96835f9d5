package workflow

import (
	"reflect"
	"testing"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
)

func TestDefinitionValidate(t *testing.T) {
	hot := 1.5
	tests := []struct {
		name string
		def  *Definition
		ok   bool
	}{
		{"empty", &Definition{}, false},
		{"nil", nil, false},
		{"single", &Definition{Steps: []Step{{Name: "Triage", Agent: "triage"}}}, true},
		{"missing name", &Definition{Steps: []Step{{Agent: "triage"}}}, false},
		{"missing agent", &Definition{Steps: []Step{{Name: "Triage"}}}, false},
		{"duplicate", &Definition{Steps: []Step{{Name: "A", Agent: "x"}, {Name: "A", Agent: "y"}}}, false},
		{"unknown dep", &Definition{Steps: []Step{{Name: "A", Agent: "x", DependsOn: []string{"Z"}}}}, false},
		{"self dep", &Definition{Steps: []Step{{Name: "A", Agent: "x", DependsOn: []string{"A"}}}}, false},
		{"cycle", &Definition{Steps: []Step{
			{Name: "A", Agent: "x", DependsOn: []string{"B"}},
			{Name: "B", Agent: "x", DependsOn: []string{"A"}},
		}}, false},
		{"negative timeout", &Definition{Steps: []Step{{Name: "A", Agent: "x", Timeout: -time.Second}}}, false},
		{"temperature out of range", &Definition{Steps: []Step{{Name: "A", Agent: "x", Sampling: &Sampling{Temperature: &hot}}}}, false},
		{"diamond", &Definition{Steps: []Step{
			{Name: "A", Agent: "x"},
			{Name: "B", Agent: "x", DependsOn: []string{"A"}},
			{Name: "C", Agent: "x", DependsOn: []string{"A"}},
			{Name: "D", Agent: "x", DependsOn: []string{"B", "C"}},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.HasCode(err, errors.CodeInvalidWorkflow) {
				t.Fatalf("expected INVALID_WORKFLOW, got %v", err)
			}
		})
	}
}

func TestDependenciesSequentialWithoutAnnotations(t *testing.T) {
	def := &Definition{Steps: []Step{{Name: "A", Agent: "x"}, {Name: "B", Agent: "x"}, {Name: "C", Agent: "x"}}}
	want := [][]int{nil, {0}, {1}}
	if got := def.Dependencies(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTopologicalOrderIsStable(t *testing.T) {
	def := &Definition{Steps: []Step{
		{Name: "Notify", Agent: "c", DependsOn: []string{"Triage"}},
		{Name: "Triage", Agent: "t"},
		{Name: "Summary", Agent: "d"},
	}}
	order, err := def.TopologicalOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if want := []int{1, 0, 2}; !reflect.DeepEqual(order, want) {
		t.Fatalf("got %v, want %v", order, want)
	}
}

func TestContextSnapshotIsolation(t *testing.T) {
	input := map[string]any{"symptoms": "chest pain"}
	ctx := NewContext(input)
	input["symptoms"] = "changed"
	if v, _ := ctx.InputString("symptoms"); v != "chest pain" {
		t.Fatalf("context must copy input, got %q", v)
	}

	ctx.Record("Triage", map[string]any{"urgency": "urgent"})
	snap := ctx.Snapshot()
	snap.IntermediateResults["Triage"]["urgency"] = "routine"
	snap.Input["symptoms"] = "none"
	if ctx.IntermediateResults["Triage"]["urgency"] != "urgent" || ctx.Input["symptoms"] != "chest pain" {
		t.Fatalf("snapshot writes leaked into the run context")
	}
}

func TestContextRecordIsAppendOnly(t *testing.T) {
	ctx := NewContext(nil)
	if !ctx.Record("A", map[string]any{"v": 1}) {
		t.Fatalf("first record should succeed")
	}
	if ctx.Record("A", map[string]any{"v": 2}) {
		t.Fatalf("second record should be refused")
	}
	if res, _ := ctx.Result("A"); res["v"] != 1 {
		t.Fatalf("result overwritten: %v", res)
	}
}

func TestFormatInputSorted(t *testing.T) {
	ctx := NewContext(map[string]any{"b": 2, "a": "x", "c": true})
	if got := ctx.FormatInput(); got != "a=x\nb=2\nc=true" {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestFailedResultFromErrors(t *testing.T) {
	res := Failed("Notify", "communication", errors.New(errors.CodeTimeout, "timeout", nil))
	if res.Success || res.Error != "timeout" || res.Code != errors.CodeTimeout || res.Output != nil {
		t.Fatalf("unexpected result %+v", res)
	}

	res = Failed("Notify", "communication", errors.Newf(errors.CodeUpstreamFailed, "upstream step failed: %s", "Triage"))
	if !res.Skipped() {
		t.Fatalf("expected skipped result")
	}

	ok := Succeeded("Triage", "triage", nil)
	if !ok.Success || ok.Output == nil || ok.Error != "" {
		t.Fatalf("unexpected success result %+v", ok)
	}
}

func TestSummarize(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	results := []ExecutionResult{
		{StepName: "A", Success: true, StartedAt: start, FinishedAt: start.Add(time.Second)},
		{StepName: "B", Success: true, Fallback: true, StartedAt: start, FinishedAt: start.Add(3 * time.Second)},
		{StepName: "C", Code: errors.CodeTimeout, Error: "timeout"},
		{StepName: "D", Code: errors.CodeUpstreamFailed, Error: "upstream step failed: C"},
	}
	s := Summarize(results)
	if s.Total != 4 || s.Succeeded != 2 || s.Failed != 1 || s.Skipped != 1 || s.Fallbacks != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Duration != 3*time.Second {
		t.Fatalf("unexpected duration %s", s.Duration)
	}
	if s.OK() || !reflect.DeepEqual(s.Failures, []string{"C"}) {
		t.Fatalf("unexpected failures %+v", s)
	}
}
