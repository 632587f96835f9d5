// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails masks patient identifiers in text bound for the
// language-model collaborator.
//
// Agents build prompts from workflow input context, which in this domain
// routinely carries phone numbers, emails, record numbers and birth dates.
// Wire the filter into the collaborator client:
//
//	pii := guardrails.NewPIIFilter(guardrails.PIIFilterMask)
//	client := llm.NewClient(provider, llm.WithPromptFilter(pii.Mask))
package guardrails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// PIIFilterMode determines how PII is handled.
type PIIFilterMode int

const (
	// PIIFilterMask replaces PII with a placeholder such as "[EMAIL]".
	PIIFilterMask PIIFilterMode = iota
	// PIIFilterRedact removes PII entirely.
	PIIFilterRedact
	// PIIFilterHash replaces PII with a short digest so repeated values still correlate.
	PIIFilterHash
)

// ParsePIIFilterMode maps "mask", "redact" or "hash" to a mode. Empty means mask.
func ParsePIIFilterMode(s string) (PIIFilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mask":
		return PIIFilterMask, nil
	case "redact":
		return PIIFilterRedact, nil
	case "hash":
		return PIIFilterHash, nil
	default:
		return PIIFilterMask, fmt.Errorf("unknown pii filter mode %q", s)
	}
}

// PIIType categorizes different types of PII.
type PIIType string

const (
	PIITypeEmail         PIIType = "email"
	PIITypePhone         PIIType = "phone"
	PIITypeSSN           PIIType = "ssn"
	PIITypeMedicalRecord PIIType = "medical_record"
	PIITypeDateOfBirth   PIIType = "date_of_birth"
	PIITypeInsuranceID   PIIType = "insurance_id"
)

type piiPattern struct {
	piiType PIIType
	pattern *regexp.Regexp
	mask    string
}

// Order matters: record and insurance numbers before SSN, SSN before phone.
var defaultPIIPatterns = []struct {
	piiType PIIType
	pattern string
	mask    string
}{
	{PIITypeMedicalRecord, `(?i)\bMRN[:#\s-]*[0-9]{6,10}\b`, "[MRN]"},
	{PIITypeInsuranceID, `(?i)\b(?:member|policy)\s*(?:id|no\.?|number)?[:#\s-]*[A-Z0-9]{8,12}\b`, "[INSURANCE_ID]"},
	{PIITypeSSN, `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, "[SSN]"},
	{PIITypeEmail, `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[EMAIL]"},
	{PIITypeDateOfBirth, `\b(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12][0-9]|3[01])[/-](?:19|20)[0-9]{2}\b`, "[DATE]"},
	{PIITypeDateOfBirth, `\b(?:19|20)[0-9]{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12][0-9]|3[01])\b`, "[DATE]"},
	{PIITypePhone, `\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s][0-9]{4}\b`, "[PHONE]"},
}

// PIIFilter detects and filters personally identifiable information.
type PIIFilter struct {
	mode     PIIFilterMode
	patterns []piiPattern
	enabled  map[PIIType]bool
}

// PIIFilterOption configures the PII filter.
type PIIFilterOption func(*PIIFilter)

// WithPIITypes enables only the given PII types.
func WithPIITypes(types ...PIIType) PIIFilterOption {
	return func(f *PIIFilter) {
		for k := range f.enabled {
			f.enabled[k] = false
		}
		for _, t := range types {
			f.enabled[t] = true
		}
	}
}

// WithCustomPIIPattern adds a pattern; invalid expressions are ignored.
func WithCustomPIIPattern(piiType PIIType, pattern, mask string) PIIFilterOption {
	return func(f *PIIFilter) {
		if re, err := regexp.Compile(pattern); err == nil {
			f.patterns = append(f.patterns, piiPattern{piiType: piiType, pattern: re, mask: mask})
			f.enabled[piiType] = true
		}
	}
}

// NewPIIFilter creates a filter with every built-in type enabled.
func NewPIIFilter(mode PIIFilterMode, opts ...PIIFilterOption) *PIIFilter {
	f := &PIIFilter{
		mode:    mode,
		enabled: make(map[PIIType]bool),
	}
	for _, p := range defaultPIIPatterns {
		f.patterns = append(f.patterns, piiPattern{
			piiType: p.piiType,
			pattern: regexp.MustCompile(p.pattern),
			mask:    p.mask,
		})
		f.enabled[p.piiType] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Redaction describes one replaced span. The original text is never kept.
type Redaction struct {
	Type        PIIType
	Replacement string
	Position    int
}

// FilterResult is the outcome of Filter.
type FilterResult struct {
	Content    string
	Modified   bool
	Redactions []Redaction
}

// Filter replaces every enabled PII match in text.
func (f *PIIFilter) Filter(ctx context.Context, text string) FilterResult {
	result := FilterResult{Content: text}
	if text == "" {
		return result
	}

	for _, p := range f.patterns {
		if !f.enabled[p.piiType] {
			continue
		}
		if ctx.Err() != nil {
			return result
		}

		matches := p.pattern.FindAllStringIndex(result.Content, -1)
		for i := len(matches) - 1; i >= 0; i-- {
			start, end := matches[i][0], matches[i][1]
			replacement := f.replacement(p, result.Content[start:end])
			result.Redactions = append(result.Redactions, Redaction{
				Type:        p.piiType,
				Replacement: replacement,
				Position:    start,
			})
			result.Content = result.Content[:start] + replacement + result.Content[end:]
			result.Modified = true
		}
	}
	return result
}

// Mask is Filter without the report; it satisfies llm.PromptFilter.
func (f *PIIFilter) Mask(text string) string {
	return f.Filter(context.Background(), text).Content
}

// Contains reports whether text holds any enabled PII type.
func (f *PIIFilter) Contains(text string) (PIIType, bool) {
	for _, p := range f.patterns {
		if f.enabled[p.piiType] && p.pattern.MatchString(text) {
			return p.piiType, true
		}
	}
	return "", false
}

func (f *PIIFilter) replacement(p piiPattern, original string) string {
	switch f.mode {
	case PIIFilterRedact:
		return ""
	case PIIFilterHash:
		sum := sha256.Sum256([]byte(original))
		return strings.TrimSuffix(p.mask, "]") + "_" + strings.ToUpper(hex.EncodeToString(sum[:4])) + "]"
	default:
		return p.mask
	}
}
