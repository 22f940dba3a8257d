// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_policy

import (
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	internal_knowledge "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/knowledge"
)

// claimIDPattern recognizes claim-ID references such as CLAIM-001.
var claimIDPattern = regexp.MustCompile(`(?i)^CLAIM-\d{3,}$`)

// DefaultPartialMatchThreshold is the minimum word-overlap ratio for a
// proposed claim to be rewritten to its nearest approved text.
const DefaultPartialMatchThreshold = 0.6

// ClaimsChecker verifies assistant statements against the frozen registry
// of approved claims. User text always passes.
type ClaimsChecker struct {
	claims             []internal_knowledge.ApprovedClaim
	claimsByID         map[string]*internal_knowledge.ApprovedClaim
	claimsByText       map[string]*internal_knowledge.ApprovedClaim
	disallowedPatterns []string
	partialThreshold   float64
}

// ClaimsOption customizes a ClaimsChecker.
type ClaimsOption func(*ClaimsChecker)

// WithPartialMatchThreshold overrides the word-overlap threshold.
func WithPartialMatchThreshold(threshold float64) ClaimsOption {
	return func(c *ClaimsChecker) { c.partialThreshold = threshold }
}

func NewClaimsChecker(catalog *internal_knowledge.Catalog, opts ...ClaimsOption) *ClaimsChecker {
	c := &ClaimsChecker{partialThreshold: DefaultPartialMatchThreshold}
	if catalog != nil {
		c.claims = catalog.Claims
		c.disallowedPatterns = catalog.DisallowedPatterns
	}
	c.claimsByID = make(map[string]*internal_knowledge.ApprovedClaim, len(c.claims))
	c.claimsByText = make(map[string]*internal_knowledge.ApprovedClaim, len(c.claims))
	for i := range c.claims {
		claim := &c.claims[i]
		c.claimsByID[strings.ToUpper(claim.ID)] = claim
		c.claimsByText[normalizeClaimText(claim.Text)] = claim
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ClaimsChecker) Name() string { return "claims_checker" }

// Evaluate builds the candidate set (final transcript text plus
// metadata-supplied claim texts and IDs) and merges the per-candidate
// verdicts under the standard decision priority. The first non-empty
// required disclaimer is propagated.
func (c *ClaimsChecker) Evaluate(ctx Context) Result {
	if ctx.Role != RoleAssistant {
		return allowResult()
	}

	candidates := c.collectCandidates(ctx)
	if len(candidates) == 0 {
		return allowResult()
	}

	merged := allowResult()
	for _, candidate := range candidates {
		verdict := c.evaluateCandidate(candidate)
		merged = merge(merged, verdict)
	}
	return merged
}

// candidate is one text or claim-ID to verify.
type candidate struct {
	text string
	id   string
}

// metadataClaim is the shape of a structured claim entry in metadata.
type metadataClaim struct {
	ID    string `mapstructure:"id"`
	Text  string `mapstructure:"text"`
	Claim string `mapstructure:"claim"`
}

// collectCandidates gathers the transcript text plus claims from
// metadata.claims, metadata.claim_ids, metadata.response.claims and
// metadata.response.claim_ids. Values may be strings, objects or arrays.
func (c *ClaimsChecker) collectCandidates(ctx Context) []candidate {
	candidates := []candidate{}
	if text := strings.TrimSpace(ctx.Text); text != "" {
		candidates = append(candidates, candidate{text: text})
	}

	sources := []interface{}{
		lookupMetadata(ctx.Metadata, "claims"),
		lookupMetadata(ctx.Metadata, "claim_ids"),
		lookupMetadata(ctx.Metadata, "response", "claims"),
		lookupMetadata(ctx.Metadata, "response", "claim_ids"),
	}
	for _, source := range sources {
		candidates = append(candidates, parseClaimValues(source)...)
	}
	return candidates
}

func lookupMetadata(metadata map[string]interface{}, path ...string) interface{} {
	var current interface{} = metadata
	for _, key := range path {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = asMap[key]
	}
	return current
}

// parseClaimValues flattens a metadata value into candidates. Strings that
// look like claim IDs become ID candidates, other strings become text
// candidates, objects are decoded with mapstructure, and arrays recurse.
func parseClaimValues(value interface{}) []candidate {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if claimIDPattern.MatchString(trimmed) {
			return []candidate{{id: strings.ToUpper(trimmed)}}
		}
		return []candidate{{text: trimmed}}
	case []interface{}:
		out := []candidate{}
		for _, item := range v {
			out = append(out, parseClaimValues(item)...)
		}
		return out
	case map[string]interface{}:
		var decoded metadataClaim
		if err := mapstructure.Decode(v, &decoded); err != nil {
			return nil
		}
		out := []candidate{}
		if decoded.ID != "" && claimIDPattern.MatchString(decoded.ID) {
			out = append(out, candidate{id: strings.ToUpper(decoded.ID)})
		}
		text := decoded.Text
		if text == "" {
			text = decoded.Claim
		}
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, candidate{text: text})
		}
		return out
	default:
		return nil
	}
}

func (c *ClaimsChecker) evaluateCandidate(cand candidate) Result {
	if cand.id != "" {
		return c.evaluateClaimID(cand.id)
	}
	return c.evaluateClaimText(cand.text)
}

// evaluateClaimID resolves registry entries by ID. Unknown IDs pass with an
// UNVERIFIED_CLAIM_ID flag.
func (c *ClaimsChecker) evaluateClaimID(id string) Result {
	if claim, ok := c.claimsByID[id]; ok {
		result := allowResult()
		if ids := claim.DisclaimerIDs(); len(ids) > 0 {
			result.RequiredDisclaimerID = ids[0]
		}
		return result
	}
	return Result{
		Decision:    DecisionAllow,
		ReasonCodes: []string{ReasonUnverifiedClaimID},
		Severity:    1,
	}
}

func (c *ClaimsChecker) evaluateClaimText(text string) Result {
	normalized := normalizeClaimText(text)

	// Disallowed-pattern containment beats everything else for this
	// candidate; the safe rewrite is the closest approved text, if any.
	if codes := c.matchDisallowed(normalized); len(codes) > 0 {
		result := Result{
			Decision:    DecisionRewrite,
			ReasonCodes: append([]string{ReasonClaimsDisallowed}, codes...),
			Severity:    3,
		}
		if best, _ := c.bestPartialMatch(normalized); best != nil {
			result.SafeRewrite = best.Text
			if ids := best.DisclaimerIDs(); len(ids) > 0 {
				result.RequiredDisclaimerID = ids[0]
			}
		}
		return result
	}

	if claim, ok := c.claimsByText[normalized]; ok {
		result := allowResult()
		if ids := claim.DisclaimerIDs(); len(ids) > 0 {
			result.RequiredDisclaimerID = ids[0]
		}
		return result
	}

	if best, ratio := c.bestPartialMatch(normalized); best != nil && ratio >= c.partialThreshold {
		result := Result{
			Decision:    DecisionRewrite,
			ReasonCodes: []string{ReasonClaimsRisk},
			Severity:    2,
			SafeRewrite: best.Text,
		}
		if ids := best.DisclaimerIDs(); len(ids) > 0 {
			result.RequiredDisclaimerID = ids[0]
		}
		return result
	}

	if len(c.claims) > 0 {
		return Result{
			Decision:    DecisionAllow,
			ReasonCodes: []string{ReasonUnverifiedClaim},
			Severity:    1,
		}
	}
	return allowResult()
}

func (c *ClaimsChecker) matchDisallowed(normalized string) []string {
	codes := []string{}
	for _, pattern := range c.disallowedPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(strings.TrimSpace(pattern))) {
			codes = append(codes, "DISALLOWED_PATTERN:"+normalizePatternCode(pattern))
		}
	}
	return codes
}

// bestPartialMatch scores every approved claim by word-overlap ratio:
// |claim words ∩ proposed words| / |claim words|.
func (c *ClaimsChecker) bestPartialMatch(normalized string) (*internal_knowledge.ApprovedClaim, float64) {
	proposedWords := map[string]struct{}{}
	for _, word := range strings.Fields(normalized) {
		proposedWords[word] = struct{}{}
	}
	if len(proposedWords) == 0 {
		return nil, 0
	}

	var best *internal_knowledge.ApprovedClaim
	bestRatio := 0.0
	for i := range c.claims {
		claim := &c.claims[i]
		claimWords := strings.Fields(normalizeClaimText(claim.Text))
		if len(claimWords) == 0 {
			continue
		}
		overlap := 0
		for _, word := range claimWords {
			if _, ok := proposedWords[word]; ok {
				overlap++
			}
		}
		ratio := float64(overlap) / float64(len(claimWords))
		if ratio > bestRatio {
			bestRatio = ratio
			best = claim
		}
	}
	return best, bestRatio
}

func normalizeClaimText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// normalizePatternCode renders a disallowed pattern as an UPPER_SNAKE code
// suffix, e.g. "guaranteed cure" -> "GUARANTEED_CURE".
func normalizePatternCode(pattern string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 32
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, pattern)
	return strings.Join(strings.Fields(cleaned), "_")
}

var _ Check = (*ClaimsChecker)(nil)
