// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_policy

import (
	"sync"

	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// DefaultCancelSeverity is the severity at or above which a refuse or
// escalate is upgraded to cancel_output by the override controller.
const DefaultCancelSeverity = 4

// Metrics are per-session counters recorded by the control engine. The
// pipeline itself stays pure; this is where session-scoped state lives.
type Metrics struct {
	Evaluations     int64
	ByDecision      map[string]int64
	Overrides       int64
	TotalCheckMs    int64
	MaxSeveritySeen int
}

// ControlEngine owns the policy pipeline for one session: it runs the
// checks, applies the override controller, records metrics, and publishes
// decision events on the session bus.
type ControlEngine struct {
	mu             sync.Mutex
	logger         commons.Logger
	pipeline       *Pipeline
	bus            *internal_events.Bus
	cancelSeverity int
	metrics        Metrics
}

// ControlOption customizes a ControlEngine.
type ControlOption func(*ControlEngine)

// WithCancelSeverity overrides the override controller threshold.
func WithCancelSeverity(severity int) ControlOption {
	return func(e *ControlEngine) { e.cancelSeverity = severity }
}

func NewControlEngine(logger commons.Logger, pipeline *Pipeline, bus *internal_events.Bus, opts ...ControlOption) *ControlEngine {
	engine := &ControlEngine{
		logger:         logger,
		pipeline:       pipeline,
		bus:            bus,
		cancelSeverity: DefaultCancelSeverity,
	}
	engine.metrics.ByDecision = make(map[string]int64)
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Evaluate runs the pipeline, applies the severity override, updates the
// session metrics and publishes the decision event. The returned result is
// binding on the caller.
func (e *ControlEngine) Evaluate(ctx Context) Result {
	result := e.pipeline.Evaluate(ctx)
	result = e.applyOverride(ctx, result)

	e.mu.Lock()
	e.metrics.Evaluations++
	e.metrics.ByDecision[result.Decision.String()]++
	e.metrics.TotalCheckMs += result.CheckDurationMs
	if result.Severity > e.metrics.MaxSeveritySeen {
		e.metrics.MaxSeveritySeen = result.Severity
	}
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish("policy", "policy.decision", map[string]interface{}{
			"role":     string(ctx.Role),
			"decision": result.Decision.String(),
			"severity": result.Severity,
			"reasons":  result.ReasonCodes,
		})
	}
	return result
}

// applyOverride upgrades high-severity refuse/escalate decisions to
// cancel_output, recording a control.override audit event.
func (e *ControlEngine) applyOverride(ctx Context, result Result) Result {
	if result.Severity < e.cancelSeverity {
		return result
	}
	if result.Decision != DecisionRefuse && result.Decision != DecisionEscalate {
		return result
	}

	e.mu.Lock()
	e.metrics.Overrides++
	e.mu.Unlock()

	e.logger.Warnw("policy override: upgrading to cancel_output",
		"session", ctx.SessionID,
		"from", result.Decision.String(),
		"severity", result.Severity,
		"reasons", result.ReasonCodes)
	if e.bus != nil {
		e.bus.Publish("policy", "control.override", map[string]interface{}{
			"from":     result.Decision.String(),
			"to":       DecisionCancelOutput.String(),
			"severity": result.Severity,
		})
	}

	result.Overridden = true
	result.OverriddenFrom = result.Decision
	result.Decision = DecisionCancelOutput
	return result
}

// Metrics returns a copy of the session counters.
func (e *ControlEngine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := e.metrics
	snapshot.ByDecision = make(map[string]int64, len(e.metrics.ByDecision))
	for k, v := range e.metrics.ByDecision {
		snapshot.ByDecision[k] = v
	}
	return snapshot
}
