// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audit

import (
	internal_arbitrator "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/arbitrator"
	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	internal_policy "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/policy"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// Sink records arbitration transitions and governance events as structured
// log records. It is strictly best-effort: it never returns an error to the
// arbitrator and text passing through it is PII-redacted first.
type Sink struct {
	logger   commons.Logger
	redactor *internal_policy.PIIRedactor
}

func NewSink(logger commons.Logger, redactor *internal_policy.PIIRedactor) *Sink {
	return &Sink{logger: logger, redactor: redactor}
}

// RecordStateTransition implements the arbitrator audit hook.
func (s *Sink) RecordStateTransition(sessionID string, from, to internal_arbitrator.State, trigger string) error {
	s.logger.Infow("audit: state transition",
		"session", sessionID,
		"from", from.String(),
		"to", to.String(),
		"trigger", trigger)
	return nil
}

// RecordOwnerTransition implements the arbitrator audit hook.
func (s *Sink) RecordOwnerTransition(sessionID string, from, to internal_arbitrator.Owner, trigger string) error {
	s.logger.Infow("audit: owner transition",
		"session", sessionID,
		"from", from.String(),
		"to", to.String(),
		"trigger", trigger)
	return nil
}

// TapBus subscribes the sink to a session's governance events.
func (s *Sink) TapBus(bus *internal_events.Bus) {
	bus.Subscribe("policy.decision", s.record)
	bus.Subscribe("control.override", s.record)
	bus.Subscribe("rag.result", s.record)
	bus.Subscribe("session.ended", s.record)
}

func (s *Sink) record(event internal_events.Event) {
	payload := event.Payload
	if s.redactor != nil {
		payload = s.redactPayload(payload)
	}
	s.logger.Infow("audit: event",
		"session", event.SessionID,
		"source", event.Source,
		"type", event.Type,
		"payload", payload)
}

// redactPayload scrubs string values one level deep; audit payloads are
// flat by construction.
func (s *Sink) redactPayload(payload map[string]interface{}) map[string]interface{} {
	clean := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if text, ok := value.(string); ok {
			redacted, _ := s.redactor.RedactText(text)
			clean[key] = redacted
			continue
		}
		clean[key] = value
	}
	return clean
}

var _ internal_arbitrator.AuditSink = (*Sink)(nil)
