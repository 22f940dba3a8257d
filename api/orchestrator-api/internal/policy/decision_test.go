// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// stubCheck returns a fixed result and records invocations.
type stubCheck struct {
	name   string
	result Result
	calls  int
}

func (c *stubCheck) Name() string { return c.name }
func (c *stubCheck) Evaluate(Context) Result {
	c.calls++
	return c.result
}

func TestDecisionPriority(t *testing.T) {
	assert.True(t, DecisionAllow < DecisionRewrite)
	assert.True(t, DecisionRewrite < DecisionRefuse)
	assert.True(t, DecisionRefuse < DecisionEscalate)
	assert.True(t, DecisionEscalate < DecisionCancelOutput)
}

func TestMerge_PriorityThenSeverity(t *testing.T) {
	tests := []struct {
		name string
		acc  Result
		next Result
		want Decision
	}{
		{
			name: "higher priority wins",
			acc:  Result{Decision: DecisionRewrite, Severity: 3},
			next: Result{Decision: DecisionRefuse, Severity: 2},
			want: DecisionRefuse,
		},
		{
			name: "tie broken by severity",
			acc:  Result{Decision: DecisionRewrite, Severity: 1},
			next: Result{Decision: DecisionRewrite, Severity: 3},
			want: DecisionRewrite,
		},
		{
			name: "lower priority never displaces",
			acc:  Result{Decision: DecisionEscalate, Severity: 4},
			next: Result{Decision: DecisionRewrite, Severity: 3},
			want: DecisionEscalate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := merge(tt.acc, tt.next)
			assert.Equal(t, tt.want, merged.Decision)
		})
	}
}

func TestMerge_ReasonCodesAccumulateDeduplicated(t *testing.T) {
	acc := Result{Decision: DecisionAllow, ReasonCodes: []string{"A", "B"}}
	next := Result{Decision: DecisionRewrite, ReasonCodes: []string{"B", "C"}}
	merged := merge(acc, next)
	assert.Equal(t, []string{"A", "B", "C"}, merged.ReasonCodes)
}

func TestMerge_FirstDisclaimerWins(t *testing.T) {
	acc := Result{Decision: DecisionAllow, RequiredDisclaimerID: "disc-1"}
	next := Result{Decision: DecisionRewrite, RequiredDisclaimerID: "disc-2"}
	merged := merge(acc, next)
	assert.Equal(t, "disc-1", merged.RequiredDisclaimerID)
}

func TestPipeline_RunsChecksInOrder(t *testing.T) {
	first := &stubCheck{name: "first", result: allowResult()}
	second := &stubCheck{name: "second", result: Result{Decision: DecisionRewrite, Severity: 2}}
	pipeline := NewPipeline(commons.NewNopLogger(), first, second)

	result := pipeline.Evaluate(Context{Text: "x"})
	assert.Equal(t, DecisionRewrite, result.Decision)
	assert.Equal(t, []string{"first", "second"}, result.ChecksRun)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestPipeline_ShortCircuitOnCancel(t *testing.T) {
	first := &stubCheck{name: "first", result: Result{Decision: DecisionCancelOutput, Severity: 4}}
	second := &stubCheck{name: "second", result: allowResult()}
	pipeline := NewPipeline(commons.NewNopLogger(), first, second)

	result := pipeline.Evaluate(Context{Text: "x"})
	assert.Equal(t, DecisionCancelOutput, result.Decision)
	assert.Equal(t, 0, second.calls, "cancel_output must short-circuit")
}

func TestPipeline_ShortCircuitOnSeverity4Refuse(t *testing.T) {
	first := &stubCheck{name: "first", result: Result{Decision: DecisionRefuse, Severity: 4}}
	second := &stubCheck{name: "second", result: allowResult()}
	pipeline := NewPipeline(commons.NewNopLogger(), first, second)

	pipeline.Evaluate(Context{Text: "x"})
	assert.Equal(t, 0, second.calls)
}

func TestPipeline_NoShortCircuitOnLowSeverityRefuse(t *testing.T) {
	first := &stubCheck{name: "first", result: Result{Decision: DecisionRefuse, Severity: 3}}
	second := &stubCheck{name: "second", result: allowResult()}
	pipeline := NewPipeline(commons.NewNopLogger(), first, second)

	pipeline.Evaluate(Context{Text: "x"})
	assert.Equal(t, 1, second.calls)
}

// Decisions are deterministic given the same checks and context.
func TestPipeline_Deterministic(t *testing.T) {
	pipeline := NewPipeline(commons.NewNopLogger(),
		NewPIIRedactor(),
		NewCategorizedModerator(DefaultCategories()),
		NewClaimsChecker(testCatalog()),
	)
	ctx := Context{
		Role: RoleAssistant,
		Text: "Our product is FDA approved and email me at a@b.com",
	}

	first := pipeline.Evaluate(ctx)
	second := pipeline.Evaluate(ctx)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.ReasonCodes, second.ReasonCodes)
	assert.Equal(t, first.Severity, second.Severity)
	assert.Equal(t, first.SafeRewrite, second.SafeRewrite)
}

// ============================================================================
// Control engine
// ============================================================================

func TestControlEngine_OverrideUpgradesToCancel(t *testing.T) {
	check := &stubCheck{name: "moderator", result: Result{
		Decision:    DecisionRefuse,
		Severity:    4,
		ReasonCodes: []string{ReasonModerationViolation},
	}}
	bus := internal_events.NewBus(commons.NewNopLogger(), "session-1")
	var overrides []internal_events.Event
	bus.Subscribe("control.override", func(event internal_events.Event) {
		overrides = append(overrides, event)
	})

	engine := NewControlEngine(commons.NewNopLogger(), NewPipeline(commons.NewNopLogger(), check), bus)
	result := engine.Evaluate(Context{SessionID: "session-1", Role: RoleAssistant, Text: "bad"})

	assert.Equal(t, DecisionCancelOutput, result.Decision)
	assert.True(t, result.Overridden)
	assert.Equal(t, DecisionRefuse, result.OverriddenFrom)
	require.Len(t, overrides, 1)
	assert.Equal(t, "refuse", overrides[0].Payload["from"])
}

func TestControlEngine_NoOverrideBelowThreshold(t *testing.T) {
	check := &stubCheck{name: "moderator", result: Result{Decision: DecisionRefuse, Severity: 3}}
	engine := NewControlEngine(commons.NewNopLogger(),
		NewPipeline(commons.NewNopLogger(), check),
		internal_events.NewBus(commons.NewNopLogger(), "session-1"))

	result := engine.Evaluate(Context{Role: RoleAssistant, Text: "bad"})
	assert.Equal(t, DecisionRefuse, result.Decision)
	assert.False(t, result.Overridden)
}

func TestControlEngine_Metrics(t *testing.T) {
	check := &stubCheck{name: "moderator", result: Result{Decision: DecisionEscalate, Severity: 4}}
	engine := NewControlEngine(commons.NewNopLogger(),
		NewPipeline(commons.NewNopLogger(), check),
		internal_events.NewBus(commons.NewNopLogger(), "session-1"))

	engine.Evaluate(Context{Role: RoleAssistant, Text: "x"})
	engine.Evaluate(Context{Role: RoleAssistant, Text: "y"})

	metrics := engine.Metrics()
	assert.EqualValues(t, 2, metrics.Evaluations)
	assert.EqualValues(t, 2, metrics.Overrides)
	assert.EqualValues(t, 2, metrics.ByDecision["cancel_output"])
	assert.Equal(t, 4, metrics.MaxSeveritySeen)
}
