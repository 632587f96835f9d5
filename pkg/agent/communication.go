package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jllopis/careflow/pkg/workflow"
)

// NewCommunication builds the patient communication agent.
func NewCommunication(opts ...Option) (*Base, error) {
	message := workflow.Sampling{Temperature: temp(0.7), MaxTokens: 300}
	routes := []Route{
		{Step: "Notify", Sampling: message, Handle: notify},
		{Step: "DraftPatientMessage", Sampling: message, Handle: draftPatientMessage},
	}
	return New("communication", "patient notifications and messaging", routes, opts...)
}

// notify drafts a notification that reflects the urgency decided upstream.
func notify(ctx context.Context, req *Request) (map[string]any, error) {
	channel, ok := req.Context.InputString("channel")
	if !ok {
		channel = "sms"
	}
	out := map[string]any{"channel": strings.ToLower(channel)}

	system := "You are a patient communication assistant. Draft a short, calm notification " +
		"for the patient about the next steps of their care. Match the tone to the urgency."
	if v, ok := req.Upstream("urgency"); ok {
		urgency := fmt.Sprint(v)
		out["urgency"] = urgency
		if urgency == UrgencyEmergency {
			system += " The case is an emergency: tell the patient to seek emergency care now."
		}
	}
	text, err := req.Generate(ctx, system, req.Prompt())
	if err != nil {
		return nil, err
	}
	out["message"] = text
	return out, nil
}

func draftPatientMessage(ctx context.Context, req *Request) (map[string]any, error) {
	topic, err := req.RequireInput("topic")
	if err != nil {
		return nil, err
	}
	system := "You are a patient communication assistant. Draft a clear, friendly message " +
		"to the patient about the given topic. Avoid medical jargon."
	text, err := req.Generate(ctx, system, req.Prompt())
	if err != nil {
		return nil, err
	}
	return map[string]any{"topic": topic, "message": text}, nil
}
