package agent

import (
	"context"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/workflow"
)

// NewDocumentation builds the documentation agent.
func NewDocumentation(opts ...Option) (*Base, error) {
	prose := workflow.Sampling{Temperature: temp(0.7), MaxTokens: 800}
	routes := []Route{
		{Step: "GenerateSummaryNote", Sampling: prose, Handle: generateSummaryNote},
		{Step: "GenerateVisitSummary", Sampling: prose, Handle: generateVisitSummary},
	}
	return New("documentation", "clinical documentation and visit summaries", routes, opts...)
}

func generateSummaryNote(ctx context.Context, req *Request) (map[string]any, error) {
	if _, err := req.RequireInput("notes"); err != nil {
		return nil, err
	}
	system := "You are a clinical documentation assistant. Write a concise summary note " +
		"in SOAP format (Subjective, Objective, Assessment, Plan) from the details provided. " +
		"Do not invent findings."
	text, err := req.Generate(ctx, system, req.Prompt())
	if err != nil {
		return nil, err
	}
	return map[string]any{"note": text, "format": "soap"}, nil
}

func generateVisitSummary(ctx context.Context, req *Request) (map[string]any, error) {
	if len(req.Context.Input) == 0 && len(req.Context.IntermediateResults) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "nothing to summarize", nil)
	}
	system := "You are a clinical documentation assistant. Write a short, plain-language " +
		"after-visit summary for the patient covering findings, decisions and next steps."
	text, err := req.Generate(ctx, system, req.Prompt())
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": text}, nil
}
