// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_policy

import (
	"regexp"
	"strings"
)

// ModerationCategory groups patterns under a named severity/decision. The
// first matching category wins.
type ModerationCategory struct {
	Name     string
	Patterns []*regexp.Regexp
	Severity int
	Decision Decision
}

// Moderator blocks content matching configured patterns. It runs in one of
// two modes: a flat pattern list where any match refuses at severity 4, or
// a categorized list where the category dictates severity and decision.
// The self-harm category escalates rather than refuses so that fallback
// selection can route to human handoff.
type Moderator struct {
	flat       []*regexp.Regexp
	categories []ModerationCategory
}

// NewFlatModerator builds a moderator over a flat pattern list.
func NewFlatModerator(patterns []*regexp.Regexp) *Moderator {
	return &Moderator{flat: patterns}
}

// NewCategorizedModerator builds a moderator over ordered categories.
func NewCategorizedModerator(categories []ModerationCategory) *Moderator {
	return &Moderator{categories: categories}
}

// DefaultCategories is the stock category set, checked in this order:
// self-harm escalates at severity 4; violence refuses at severity 4;
// harassment refuses at severity 3.
func DefaultCategories() []ModerationCategory {
	return []ModerationCategory{
		{
			Name: "SELF_HARM",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(myself|themselves)\b`),
				regexp.MustCompile(`(?i)\bsuicid(e|al)\b`),
			},
			Severity: 4,
			Decision: DecisionEscalate,
		},
		{
			Name: "VIOLENCE",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(kill|attack|assault)\s+(him|her|them|you|people)\b`),
			},
			Severity: 4,
			Decision: DecisionRefuse,
		},
		{
			Name: "HARASSMENT",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\byou\s+(idiot|moron|worthless)\b`),
			},
			Severity: 3,
			Decision: DecisionRefuse,
		},
	}
}

func (m *Moderator) Name() string { return "moderator" }

// Evaluate applies flat patterns first if configured, otherwise walks the
// categories in order. Category matches always carry MODERATION_VIOLATION
// plus MODERATION:<NAME>.
func (m *Moderator) Evaluate(ctx Context) Result {
	if len(m.flat) > 0 {
		for _, pattern := range m.flat {
			if pattern.MatchString(ctx.Text) {
				return Result{
					Decision:    DecisionRefuse,
					ReasonCodes: []string{ReasonModerationViolation},
					Severity:    4,
				}
			}
		}
		return allowResult()
	}

	for _, category := range m.categories {
		for _, pattern := range category.Patterns {
			if !pattern.MatchString(ctx.Text) {
				continue
			}
			return Result{
				Decision: category.Decision,
				ReasonCodes: []string{
					ReasonModerationViolation,
					"MODERATION:" + strings.ToUpper(category.Name),
				},
				Severity: category.Severity,
			}
		}
	}
	return allowResult()
}

var _ Check = (*Moderator)(nil)
