// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_policy

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
)

// PIIMode controls whether detections rewrite the text or only flag it.
type PIIMode string

const (
	PIIModeRedact PIIMode = "redact"
	PIIModeFlag   PIIMode = "flag"
)

// PIIPattern is one detection rule. Kind feeds the [KIND_REDACTED]
// placeholder and the PII_DETECTED:<KIND> reason code.
type PIIPattern struct {
	Kind    string
	Pattern *regexp.Regexp
}

// DefaultPIIPatterns covers US phone numbers, email addresses, SSNs and
// 16-digit card numbers.
func DefaultPIIPatterns() []PIIPattern {
	return []PIIPattern{
		{Kind: "PHONE", Pattern: regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{Kind: "EMAIL", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{Kind: "SSN", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{Kind: "CARD", Pattern: regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`)},
	}
}

// PIIRedactor detects personally identifying information in proposed text
// and, in redact mode, rewrites it with typed placeholders. It optionally
// recurses into metadata values to a bounded depth, tolerating cycles.
type PIIRedactor struct {
	mode          PIIMode
	patterns      []PIIPattern
	metadataDepth int
}

// PIIOption customizes a PIIRedactor.
type PIIOption func(*PIIRedactor)

// WithPIIMode selects redact or flag behavior.
func WithPIIMode(mode PIIMode) PIIOption {
	return func(r *PIIRedactor) { r.mode = mode }
}

// WithPIIPatterns replaces the default detection rules.
func WithPIIPatterns(patterns []PIIPattern) PIIOption {
	return func(r *PIIRedactor) { r.patterns = patterns }
}

// WithMetadataDepth enables metadata scanning down to the given depth.
func WithMetadataDepth(depth int) PIIOption {
	return func(r *PIIRedactor) { r.metadataDepth = depth }
}

func NewPIIRedactor(opts ...PIIOption) *PIIRedactor {
	r := &PIIRedactor{
		mode:     PIIModeRedact,
		patterns: DefaultPIIPatterns(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PIIRedactor) Name() string { return "pii_redactor" }

// RedactText applies every pattern to text and returns the redacted string
// plus the sorted set of detected kinds. It is exposed standalone because
// the audit layer uses the same redaction before persisting anything.
func (r *PIIRedactor) RedactText(text string) (string, []string) {
	detected := map[string]struct{}{}
	redacted := text
	for _, rule := range r.patterns {
		if !rule.Pattern.MatchString(redacted) {
			continue
		}
		detected[rule.Kind] = struct{}{}
		redacted = rule.Pattern.ReplaceAllString(redacted, fmt.Sprintf("[%s_REDACTED]", rule.Kind))
	}
	kinds := make([]string, 0, len(detected))
	for kind := range detected {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return redacted, kinds
}

// Evaluate scans ctx.Text (and metadata when enabled). In redact mode any
// detection produces a rewrite at severity 3 carrying the redacted text; in
// flag mode the text passes untouched with reason codes at severity 1.
func (r *PIIRedactor) Evaluate(ctx Context) Result {
	redacted, kinds := r.RedactText(ctx.Text)
	if r.metadataDepth > 0 {
		metaKinds := r.scanMetadata(ctx.Metadata)
		kinds = dedupeCodes(kinds, metaKinds)
		sort.Strings(kinds)
	}
	if len(kinds) == 0 {
		return allowResult()
	}

	codes := []string{ReasonPIIDetected}
	for _, kind := range kinds {
		codes = append(codes, ReasonPIIDetected+":"+kind)
	}

	if r.mode == PIIModeFlag {
		return Result{
			Decision:    DecisionAllow,
			ReasonCodes: codes,
			Severity:    1,
		}
	}
	return Result{
		Decision:    DecisionRewrite,
		ReasonCodes: codes,
		Severity:    3,
		SafeRewrite: redacted,
	}
}

// scanMetadata walks metadata values looking for PII in strings, bounded by
// the configured depth and guarded against reference cycles.
func (r *PIIRedactor) scanMetadata(metadata map[string]interface{}) []string {
	if len(metadata) == 0 {
		return nil
	}
	detected := map[string]struct{}{}
	visited := map[uintptr]struct{}{}
	r.scanValue(reflect.ValueOf(metadata), r.metadataDepth, detected, visited)

	kinds := make([]string, 0, len(detected))
	for kind := range detected {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *PIIRedactor) scanValue(v reflect.Value, depth int, detected map[string]struct{}, visited map[uintptr]struct{}) {
	if depth < 0 || !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return
		}
		r.scanValue(v.Elem(), depth, detected, visited)
	case reflect.String:
		for _, rule := range r.patterns {
			if rule.Pattern.MatchString(v.String()) {
				detected[rule.Kind] = struct{}{}
			}
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		ptr := v.Pointer()
		if _, seen := visited[ptr]; seen {
			return
		}
		visited[ptr] = struct{}{}
		for _, key := range v.MapKeys() {
			r.scanValue(v.MapIndex(key), depth-1, detected, visited)
		}
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return
			}
			ptr := v.Pointer()
			if _, seen := visited[ptr]; seen {
				return
			}
			visited[ptr] = struct{}{}
		}
		for i := 0; i < v.Len(); i++ {
			r.scanValue(v.Index(i), depth-1, detected, visited)
		}
	}
}

// ensure interface compliance
var _ Check = (*PIIRedactor)(nil)
