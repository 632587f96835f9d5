package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/workflow"
)

// NewScheduling builds the scheduling agent. Slot selection is rule-based
// and does not call the collaborator.
func NewScheduling(opts ...Option) (*Base, error) {
	routes := []Route{
		{Step: "FindOptimalSlot", Sampling: workflow.Sampling{Temperature: temp(0.2)}, Handle: findOptimalSlot},
		{Step: "ConfirmAvailability", Sampling: workflow.Sampling{Temperature: temp(0.2)}, Handle: confirmAvailability},
	}
	return New("scheduling", "appointment planning against clinician availability", routes, opts...)
}

// findOptimalSlot picks the earliest slot for urgent cases, the slot closest
// to preferred_time for routine ones, and no slot for emergencies.
func findOptimalSlot(_ context.Context, req *Request) (map[string]any, error) {
	slots, err := availability(req)
	if err != nil {
		return nil, err
	}

	urgency, _ := req.Context.InputString("urgency")
	if v, ok := req.Upstream("urgency"); ok {
		urgency = fmt.Sprint(v)
	}
	urgency = strings.ToLower(urgency)

	out := map[string]any{"candidates": len(slots)}
	if urgency != "" {
		out["urgency"] = urgency
	}
	if urgency == UrgencyEmergency {
		out["slot"] = ""
		out["action"] = "refer to emergency care"
		return out, nil
	}

	best := slots[0]
	if pref, ok := req.Context.InputString("preferred_time"); ok && urgency != UrgencyUrgent {
		t, err := time.Parse(time.RFC3339, pref)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "preferred_time must be RFC3339", err)
		}
		for _, s := range slots[1:] {
			if absDuration(s.Sub(t)) < absDuration(best.Sub(t)) {
				best = s
			}
		}
	}
	out["slot"] = best.Format(time.RFC3339)
	out["action"] = "book"
	return out, nil
}

func confirmAvailability(_ context.Context, req *Request) (map[string]any, error) {
	slots, err := availability(req)
	if err != nil {
		return nil, err
	}
	raw, ok := req.Context.InputString("slot")
	if !ok {
		if v, found := req.Upstream("slot"); found && fmt.Sprint(v) != "" {
			raw, ok = fmt.Sprint(v), true
		}
	}
	if !ok {
		return nil, errors.New(errors.CodeInvalidInput, "missing required input: slot", nil)
	}
	slot, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "slot must be RFC3339", err)
	}
	available := false
	for _, s := range slots {
		if s.Equal(slot) {
			available = true
			break
		}
	}
	return map[string]any{"slot": raw, "available": available}, nil
}

// availability parses Input["availability"] into sorted times.
func availability(req *Request) ([]time.Time, error) {
	v, ok := req.Context.Input["availability"]
	if !ok {
		return nil, errors.New(errors.CodeInvalidInput, "missing required input: availability", nil)
	}
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []any:
		for _, x := range t {
			raw = append(raw, fmt.Sprint(x))
		}
	case string:
		raw = strings.Split(t, ",")
	}
	var slots []time.Time
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid availability slot %q", s)
		}
		slots = append(slots, ts)
	}
	if len(slots) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "availability has no slots", nil)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
