package agent

import (
	"context"
	"strings"
	"unicode"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/workflow"
)

// Urgency levels, most severe first.
const (
	UrgencyEmergency = "emergency"
	UrgencyUrgent    = "urgent"
	UrgencyRoutine   = "routine"
)

// NewTriage builds the triage agent. Classification runs near-deterministic.
func NewTriage(opts ...Option) (*Base, error) {
	classify := workflow.Sampling{Temperature: temp(0.1), MaxTokens: 32}
	routes := []Route{
		{Step: "ClassifyUrgency", Sampling: classify, Handle: classifyUrgency},
		{Step: "Triage", Sampling: classify, Handle: classifyUrgency},
		{Step: "ExtractSymptoms", Sampling: workflow.Sampling{Temperature: temp(0.1), MaxTokens: 128}, Handle: extractSymptoms},
	}
	return New("triage", "urgency classification of patient presentations", routes, opts...)
}

func classifyUrgency(ctx context.Context, req *Request) (map[string]any, error) {
	symptoms, err := req.RequireInput("symptoms")
	if err != nil {
		return nil, err
	}
	system := "You are a clinical triage assistant. Classify the urgency of the patient's " +
		"presentation. Answer with exactly one word: emergency, urgent or routine."
	text, err := req.Generate(ctx, system, req.Context.FormatInput())
	if err != nil {
		return nil, err
	}
	level := ParseUrgency(text)
	if level == "" {
		return nil, errors.Newf(errors.CodeUpstream, "unrecognized urgency classification: %q", text)
	}
	return map[string]any{
		"urgency":   level,
		"symptoms":  symptoms,
		"rationale": text,
	}, nil
}

// ParseUrgency returns the first urgency level named in text, or "".
func ParseUrgency(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		switch w {
		case UrgencyEmergency, UrgencyUrgent, UrgencyRoutine:
			return w
		}
	}
	return ""
}

func extractSymptoms(ctx context.Context, req *Request) (map[string]any, error) {
	if _, err := req.RequireInput("notes"); err != nil {
		return nil, err
	}
	system := "Extract the patient's symptoms from the clinical notes. " +
		"Answer with a comma-separated list of short symptom names and nothing else."
	text, err := req.Generate(ctx, system, req.Context.FormatInput())
	if err != nil {
		return nil, err
	}
	symptoms := stringList(text)
	if len(symptoms) == 0 {
		return nil, errors.New(errors.CodeUpstream, "no symptoms extracted", nil)
	}
	return map[string]any{"symptoms": symptoms}, nil
}

// stringList accepts a []string, a []any or a comma/newline separated string
// and returns trimmed, lower-cased, de-duplicated entries in order.
func stringList(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
	case []string:
		raw = t
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.ToLower(strings.TrimSpace(strings.TrimLeft(s, "-* ")))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
