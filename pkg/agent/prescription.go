package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/workflow"
)

// Interaction is a known harmful combination of two medications.
type Interaction struct {
	Drugs    [2]string `json:"drugs"`
	Severity string    `json:"severity"`
	Note     string    `json:"note"`
}

// knownInteractions is a small reference table, not a clinical database.
var knownInteractions = []Interaction{
	{Drugs: [2]string{"warfarin", "aspirin"}, Severity: "major", Note: "increased bleeding risk"},
	{Drugs: [2]string{"warfarin", "ibuprofen"}, Severity: "major", Note: "increased bleeding risk"},
	{Drugs: [2]string{"sildenafil", "nitroglycerin"}, Severity: "contraindicated", Note: "severe hypotension"},
	{Drugs: [2]string{"simvastatin", "clarithromycin"}, Severity: "major", Note: "rhabdomyolysis risk"},
	{Drugs: [2]string{"lisinopril", "spironolactone"}, Severity: "moderate", Note: "hyperkalemia"},
	{Drugs: [2]string{"sertraline", "tramadol"}, Severity: "major", Note: "serotonin syndrome"},
	{Drugs: [2]string{"methotrexate", "trimethoprim"}, Severity: "major", Note: "bone marrow suppression"},
}

// NewPrescription builds the medication review agent.
func NewPrescription(opts ...Option) (*Base, error) {
	routes := []Route{
		{Step: "CheckInteractions", Sampling: workflow.Sampling{Temperature: temp(0.1)}, Handle: checkInteractions},
		{Step: "ReviewPrescription", Sampling: workflow.Sampling{Temperature: temp(0.1), MaxTokens: 600}, Handle: reviewPrescription},
	}
	return New("prescription", "medication review and interaction checks", routes, opts...)
}

func medications(req *Request) ([]string, error) {
	meds := stringList(req.Context.Input["medications"])
	if len(meds) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "missing required input: medications", nil).
			WithContext("step", req.Step.Name)
	}
	return meds, nil
}

// FindInteractions returns the known interactions among meds.
func FindInteractions(meds []string) []Interaction {
	have := make(map[string]bool, len(meds))
	for _, m := range meds {
		have[strings.ToLower(strings.TrimSpace(m))] = true
	}
	var out []Interaction
	for _, in := range knownInteractions {
		if have[in.Drugs[0]] && have[in.Drugs[1]] {
			out = append(out, in)
		}
	}
	return out
}

func checkInteractions(_ context.Context, req *Request) (map[string]any, error) {
	meds, err := medications(req)
	if err != nil {
		return nil, err
	}
	found := FindInteractions(meds)
	return map[string]any{
		"medications":  meds,
		"interactions": found,
		"safe":         len(found) == 0,
	}, nil
}

func reviewPrescription(ctx context.Context, req *Request) (map[string]any, error) {
	meds, err := medications(req)
	if err != nil {
		return nil, err
	}
	found := FindInteractions(meds)

	var user strings.Builder
	user.WriteString(req.Prompt())
	for _, in := range found {
		fmt.Fprintf(&user, "\ninteraction=%s+%s (%s): %s", in.Drugs[0], in.Drugs[1], in.Severity, in.Note)
	}
	system := "You are a clinical pharmacist assistant. Review the prescription for dosing " +
		"concerns and the listed interactions. Recommend approve or hold, with a short reason."
	text, err := req.Generate(ctx, system, user.String())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"review":       text,
		"interactions": len(found),
		"hold":         len(found) > 0 || strings.Contains(strings.ToLower(text), "hold"),
	}, nil
}
