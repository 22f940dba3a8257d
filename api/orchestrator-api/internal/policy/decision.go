// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_policy

import (
	"time"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// Decision is the binding outcome of a policy evaluation. The declaration
// order is the merge priority: a higher value always wins.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionRewrite
	DecisionRefuse
	DecisionEscalate
	DecisionCancelOutput
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionRewrite:
		return "rewrite"
	case DecisionRefuse:
		return "refuse"
	case DecisionEscalate:
		return "escalate"
	case DecisionCancelOutput:
		return "cancel_output"
	default:
		return "unknown"
	}
}

// Reason codes attached to decisions. These are codes, not message types.
const (
	ReasonModerationViolation = "MODERATION_VIOLATION"
	ReasonClaimsRisk          = "CLAIMS_RISK"
	ReasonClaimsDisallowed    = "CLAIMS_DISALLOWED"
	ReasonUnverifiedClaim     = "UNVERIFIED_CLAIM"
	ReasonUnverifiedClaimID   = "UNVERIFIED_CLAIM_ID"
	ReasonPIIDetected         = "PII_DETECTED"
)

// Role identifies whose text is being evaluated.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Context carries one proposed text through the pipeline.
type Context struct {
	SessionID  string
	Role       Role
	Text       string
	IsFinal    bool
	Confidence float64
	Metadata   map[string]interface{}
}

// Result is a single check's verdict, or the merged pipeline verdict.
type Result struct {
	Decision             Decision
	ReasonCodes          []string
	Severity             int
	SafeRewrite          string
	RequiredDisclaimerID string
	CheckDurationMs      int64
	ChecksRun            []string

	// Overridden marks a decision upgraded by the override controller;
	// OverriddenFrom preserves the original so callers can still route an
	// escalation to human handoff.
	Overridden     bool
	OverriddenFrom Decision
}

// allowResult is the neutral verdict.
func allowResult() Result {
	return Result{Decision: DecisionAllow}
}

// Check is one layer of the policy gate. Checks must be pure per call and
// safe for concurrent use across sessions.
type Check interface {
	Name() string
	Evaluate(ctx Context) Result
}

// Pipeline evaluates an ordered list of checks and merges their verdicts
// into a single binding decision. Merging is priority-then-severity with
// deduplicated reason codes; evaluation short-circuits after cancel_output
// or a severity >= 4 refuse/escalate.
type Pipeline struct {
	logger commons.Logger
	checks []Check
	clock  func() time.Time
}

func NewPipeline(logger commons.Logger, checks ...Check) *Pipeline {
	return &Pipeline{logger: logger, checks: checks, clock: time.Now}
}

// Evaluate runs the checks in order against ctx.
func (p *Pipeline) Evaluate(ctx Context) Result {
	start := p.clock()
	merged := allowResult()
	merged.ChecksRun = make([]string, 0, len(p.checks))

	for _, check := range p.checks {
		verdict := check.Evaluate(ctx)
		merged = merge(merged, verdict)
		merged.ChecksRun = append(merged.ChecksRun, check.Name())

		if shortCircuit(verdict) {
			p.logger.Debugw("policy pipeline short-circuit",
				"check", check.Name(),
				"decision", verdict.Decision.String(),
				"severity", verdict.Severity)
			break
		}
	}

	merged.CheckDurationMs = time.Since(start).Milliseconds()
	return merged
}

func shortCircuit(verdict Result) bool {
	if verdict.Decision == DecisionCancelOutput {
		return true
	}
	if verdict.Severity >= 4 &&
		(verdict.Decision == DecisionRefuse || verdict.Decision == DecisionEscalate) {
		return true
	}
	return false
}

// merge folds next into acc: the higher-priority decision wins, ties broken
// by the higher severity. The winner's rewrite travels with it; the first
// non-empty disclaimer is kept whichever side wins, and a later one only
// fills an empty slot.
func merge(acc, next Result) Result {
	winner := acc
	if next.Decision > acc.Decision ||
		(next.Decision == acc.Decision && next.Severity > acc.Severity) {
		winner = next
		if acc.RequiredDisclaimerID != "" {
			winner.RequiredDisclaimerID = acc.RequiredDisclaimerID
		}
		if winner.SafeRewrite == "" {
			winner.SafeRewrite = acc.SafeRewrite
		}
	} else if winner.RequiredDisclaimerID == "" {
		winner.RequiredDisclaimerID = next.RequiredDisclaimerID
	}
	winner.ReasonCodes = dedupeCodes(acc.ReasonCodes, next.ReasonCodes)
	winner.ChecksRun = acc.ChecksRun
	return winner
}

func dedupeCodes(groups ...[]string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, group := range groups {
		for _, code := range group {
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	return out
}
