// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_admission "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/admission"
	internal_arbitrator "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/arbitrator"
	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	internal_history "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/history"
	internal_knowledge "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/knowledge"
	internal_lanes "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/lanes"
	internal_policy "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/policy"
	internal_ragcontext "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/ragcontext"
	internal_retrieval "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/retrieval"
	internal_upstream "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/upstream"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// Settings are the session-independent tunables applied to every new
// session.
type Settings struct {
	UpstreamURL     string
	UpstreamHeaders http.Header

	Cooldown time.Duration
	MinRMS   float64

	ReflexEnabled        bool
	MinDelayBeforeReflex time.Duration
	MaxReflexDuration    time.Duration
	TransitionGap        time.Duration

	PIIMode               internal_policy.PIIMode
	PartialMatchThreshold float64

	RetrievalCaps internal_retrieval.Caps
}

// BusTap lets cross-cutting consumers (the audit sink) attach to each new
// session's event bus.
type BusTap interface {
	TapBus(bus *internal_events.Bus)
}

// Factory builds fully wired sessions around accepted client connections.
// The catalog, retrieval service and history store are shared read-only
// across all sessions it creates.
type Factory struct {
	logger    commons.Logger
	settings  Settings
	catalog   *internal_knowledge.Catalog
	retrieval *internal_retrieval.Service
	history   internal_history.Store
	audit     internal_arbitrator.AuditSink
	busTap    BusTap
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithHistory enables session persistence.
func WithHistory(store internal_history.Store) FactoryOption {
	return func(f *Factory) { f.history = store }
}

// WithAudit installs the arbitration audit sink; if it also implements
// BusTap it is attached to every session bus.
func WithAudit(sink internal_arbitrator.AuditSink) FactoryOption {
	return func(f *Factory) {
		f.audit = sink
		if tap, ok := sink.(BusTap); ok {
			f.busTap = tap
		}
	}
}

func NewFactory(
	logger commons.Logger,
	settings Settings,
	catalog *internal_knowledge.Catalog,
	retrieval *internal_retrieval.Service,
	opts ...FactoryOption,
) *Factory {
	f := &Factory{
		logger:    logger,
		settings:  settings,
		catalog:   catalog,
		retrieval: retrieval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create wires one session around an accepted websocket connection.
func (f *Factory) Create(conn *websocket.Conn) *Session {
	id := uuid.New().String()
	bus := internal_events.NewBus(f.logger, id)
	if f.busTap != nil {
		f.busTap.TapBus(bus)
	}

	redactor := internal_policy.NewPIIRedactor(
		internal_policy.WithPIIMode(f.settings.PIIMode),
		internal_policy.WithMetadataDepth(3),
	)
	pipeline := internal_policy.NewPipeline(f.logger,
		redactor,
		internal_policy.NewCategorizedModerator(internal_policy.DefaultCategories()),
		internal_policy.NewClaimsChecker(f.catalog,
			internal_policy.WithPartialMatchThreshold(f.settings.PartialMatchThreshold)),
	)
	control := internal_policy.NewControlEngine(f.logger, pipeline, bus)

	rag := internal_ragcontext.NewBuilder(f.logger, f.retrieval, f.catalog, bus,
		internal_ragcontext.WithCaps(f.settings.RetrievalCaps),
		internal_ragcontext.WithTranscriptRedaction(redactorForQueries(redactor, f.settings.PIIMode)),
	)

	gate := internal_admission.NewGate(f.logger,
		internal_admission.WithCooldown(f.settings.Cooldown),
		internal_admission.WithMinRMS(f.settings.MinRMS),
	)

	session := New(id, conn, Deps{
		Logger:   f.logger,
		Gate:     gate,
		Control:  control,
		Redactor: redactor,
		RAG:      rag,
		Bus:      bus,
		History:  f.history,
	})

	arbConfig := internal_arbitrator.Config{
		SessionID:            id,
		EnableReflex:         f.settings.ReflexEnabled,
		MinDelayBeforeReflex: f.settings.MinDelayBeforeReflex,
		MaxReflexDuration:    f.settings.MaxReflexDuration,
		TransitionGap:        f.settings.TransitionGap,
	}
	var arbOpts []internal_arbitrator.Option
	if f.audit != nil {
		arbOpts = append(arbOpts, internal_arbitrator.WithAuditSink(f.audit))
	}
	session.arb = internal_arbitrator.New(f.logger, arbConfig, session.Emit, arbOpts...)

	session.adapter = internal_upstream.NewRealtimeAdapter(
		f.logger,
		f.settings.UpstreamURL,
		NewUpstreamHandler(session),
		internal_upstream.WithHeaders(f.settings.UpstreamHeaders),
	)

	session.reflex = internal_lanes.NewReflexEngine(f.logger, session, nil)
	session.fallback = internal_lanes.NewFallbackPlayer(f.logger, session)

	return session
}

// redactorForQueries returns the redactor only when the mode rewrites
// text; in flag mode retrieval sees the original transcript.
func redactorForQueries(redactor *internal_policy.PIIRedactor, mode internal_policy.PIIMode) *internal_policy.PIIRedactor {
	if mode == internal_policy.PIIModeRedact {
		return redactor
	}
	return nil
}
