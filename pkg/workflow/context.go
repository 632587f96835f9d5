// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Context is the state one run shares across its steps. Input is fixed for
// the run; IntermediateResults grows by one entry per successful step.
// A Context belongs to a single run and is written only by its orchestrator.
type Context struct {
	Input               map[string]any
	IntermediateResults map[string]map[string]any
}

// NewContext copies input into a fresh run context.
func NewContext(input map[string]any) *Context {
	in := make(map[string]any, len(input))
	for k, v := range input {
		in[k] = v
	}
	return &Context{
		Input:               in,
		IntermediateResults: make(map[string]map[string]any),
	}
}

// Snapshot returns a copy a step can read while the run keeps recording.
func (c *Context) Snapshot() *Context {
	out := &Context{
		Input:               make(map[string]any, len(c.Input)),
		IntermediateResults: make(map[string]map[string]any, len(c.IntermediateResults)),
	}
	for k, v := range c.Input {
		out.Input[k] = v
	}
	for step, res := range c.IntermediateResults {
		cp := make(map[string]any, len(res))
		for k, v := range res {
			cp[k] = v
		}
		out.IntermediateResults[step] = cp
	}
	return out
}

// Record stores a step output. It reports false and leaves the context
// untouched when the step already has a result.
func (c *Context) Record(step string, output map[string]any) bool {
	if _, exists := c.IntermediateResults[step]; exists {
		return false
	}
	cp := make(map[string]any, len(output))
	for k, v := range output {
		cp[k] = v
	}
	c.IntermediateResults[step] = cp
	return true
}

// Result returns the recorded output of step.
func (c *Context) Result(step string) (map[string]any, bool) {
	res, ok := c.IntermediateResults[step]
	return res, ok
}

// InputString returns Input[key] rendered as a trimmed string.
func (c *Context) InputString(key string) (string, bool) {
	v, ok := c.Input[key]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

// FormatInput renders Input as key=value lines sorted by key.
func (c *Context) FormatInput() string {
	return formatPairs(c.Input)
}

func formatPairs(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s=%v", k, m[k])
	}
	return b.String()
}
