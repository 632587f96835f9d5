package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const intakeYAML = `
id: urgent-intake
description: Triage a patient and notify them.
steps:
  - name: Triage
    agent: triage
    sampling:
      temperature: 0.1
      max_tokens: 64
    timeout: 10s
  - name: Notify
    agent: communication
    depends_on: [Triage]
`

func TestParseYAML(t *testing.T) {
	def, err := ParseYAML([]byte(intakeYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "urgent-intake" || len(def.Steps) != 2 {
		t.Fatalf("unexpected definition %+v", def)
	}
	triage := def.Steps[0]
	if triage.Timeout != 10*time.Second || triage.Sampling == nil || *triage.Sampling.Temperature != 0.1 || triage.Sampling.MaxTokens != 64 {
		t.Fatalf("unexpected triage step %+v", triage)
	}
	if def.Steps[1].DependsOn[0] != "Triage" {
		t.Fatalf("unexpected notify deps %+v", def.Steps[1])
	}
}

func TestParseJSON(t *testing.T) {
	def, err := ParseJSON([]byte(`{"id":"visit","steps":[{"name":"GenerateVisitSummary","agent":"documentation"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Steps[0].Agent != "documentation" {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestParseTOML(t *testing.T) {
	data := `
id = "medication-review"

[[steps]]
name = "CheckInteractions"
agent = "prescription"
timeout = "5s"

[[steps]]
name = "DraftPatientMessage"
agent = "communication"
depends_on = ["CheckInteractions"]
`
	def, err := ParseTOML([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.Steps) != 2 || def.Steps[0].Timeout != 5*time.Second {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]func([]byte) (*Definition, error){
		"yaml empty": ParseYAML,
		"json empty": ParseJSON,
		"toml empty": ParseTOML,
	}
	for name, parse := range cases {
		if _, err := parse(nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ParseYAML([]byte("steps:\n  - name: A\n    agent: x\n    timeout: soon\n")); err == nil {
		t.Errorf("expected invalid timeout error")
	}
	if _, err := ParseYAML([]byte("steps:\n  - name: A\n    agent: x\n    depends_on: [B]\n")); err == nil {
		t.Errorf("expected unknown dependency error")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	def, err := ParseYAML([]byte(intakeYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := MarshalYAML(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ParseYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Steps[0].Timeout != def.Steps[0].Timeout || again.Steps[1].DependsOn[0] != "Triage" {
		t.Fatalf("round trip changed definition: %+v", again)
	}
}

func TestLoadDefinitionUsesFileNameAsID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "visit-summary.json")
	if err := os.WriteFile(path, []byte(`{"steps":[{"name":"GenerateVisitSummary","agent":"documentation"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.ID != "visit-summary" {
		t.Fatalf("expected id from file name, got %q", def.ID)
	}
}
