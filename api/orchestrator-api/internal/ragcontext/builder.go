// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_ragcontext

import (
	"encoding/json"
	"sync"

	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	internal_knowledge "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/knowledge"
	internal_policy "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/policy"
	internal_retrieval "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/retrieval"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// instructionsPreamble pins the model to the retrieved facts. The facts
// pack JSON is appended after the newline.
const instructionsPreamble = "For questions about NextGen AI, use ONLY the facts in FACTS_PACK. " +
	"Do not use outside knowledge or speculation. When stating a fact, include " +
	"its fact ID in brackets like [NXTG-001]. If the facts are insufficient, " +
	"ask a brief clarifying question instead of guessing.\nFACTS_PACK="

// Builder assembles response-scoped instructions from the knowledge index
// on each upstream commit confirmation, and tracks which disclaimers the
// next final assistant transcript must carry.
type Builder struct {
	mu        sync.Mutex
	logger    commons.Logger
	retrieval *internal_retrieval.Service
	catalog   *internal_knowledge.Catalog
	redactor  *internal_policy.PIIRedactor
	bus       *internal_events.Bus
	caps      internal_retrieval.Caps

	// redactTranscripts applies PII redaction to the query when the
	// session's PII mode is redact.
	redactTranscripts bool

	pendingDisclaimers []string
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithCaps overrides the facts pack budget.
func WithCaps(caps internal_retrieval.Caps) BuilderOption {
	return func(b *Builder) { b.caps = caps }
}

// WithTranscriptRedaction redacts PII from queries before retrieval.
func WithTranscriptRedaction(redactor *internal_policy.PIIRedactor) BuilderOption {
	return func(b *Builder) {
		b.redactor = redactor
		b.redactTranscripts = redactor != nil
	}
}

func NewBuilder(
	logger commons.Logger,
	retrieval *internal_retrieval.Service,
	catalog *internal_knowledge.Catalog,
	bus *internal_events.Bus,
	opts ...BuilderOption,
) *Builder {
	b := &Builder{
		logger:    logger,
		retrieval: retrieval,
		catalog:   catalog,
		bus:       bus,
		caps:      internal_retrieval.DefaultCaps(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildInstructions is the response-instructions provider installed on the
// upstream adapter: it retrieves a capped facts pack for the transcript
// and renders the instruction string. An empty transcript still produces
// the default-topic pack.
func (b *Builder) BuildInstructions(transcript string) string {
	query := transcript
	if b.redactTranscripts {
		query, _ = b.redactor.RedactText(transcript)
	}

	b.publish("rag.query", map[string]interface{}{"query": query})
	b.publish("tool.call", map[string]interface{}{
		"tool":  "retrieval",
		"topK":  b.caps.TopK,
		"query": query,
	})

	pack := b.retrieval.RetrieveFactsPack(query, b.caps)

	citations := make([]string, 0, len(pack.Facts))
	for _, fact := range pack.Facts {
		citations = append(citations, fact.ID)
	}
	b.publish("tool.result", map[string]interface{}{
		"tool":  "retrieval",
		"facts": len(pack.Facts),
	})
	b.publish("rag.result", map[string]interface{}{
		"topic":       pack.Topic,
		"citations":   citations,
		"disclaimers": pack.Disclaimers,
	})

	b.mu.Lock()
	b.pendingDisclaimers = append([]string{}, pack.Disclaimers...)
	b.mu.Unlock()

	serialized, err := json.Marshal(pack)
	if err != nil {
		b.logger.Errorf("failed to serialize facts pack: %v", err)
		return ""
	}
	return instructionsPreamble + string(serialized)
}

// RequireDisclaimer adds a policy-carried disclaimer for the next final
// assistant transcript.
func (b *Builder) RequireDisclaimer(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.pendingDisclaimers {
		if existing == id {
			return
		}
	}
	b.pendingDisclaimers = append(b.pendingDisclaimers, id)
}

// ConsumeDisclaimers resolves and clears the pending disclaimers. Each is
// returned exactly once; IDs missing from the catalog are logged and
// dropped rather than emitted as broken placeholders.
func (b *Builder) ConsumeDisclaimers() []string {
	b.mu.Lock()
	pending := b.pendingDisclaimers
	b.pendingDisclaimers = nil
	b.mu.Unlock()

	texts := make([]string, 0, len(pending))
	for _, id := range pending {
		disclaimer := b.catalog.DisclaimerByID(id)
		if disclaimer == nil {
			b.logger.Warnw("required disclaimer not found, dropping", "id", id)
			continue
		}
		texts = append(texts, disclaimer.Text)
	}
	return texts
}

func (b *Builder) publish(eventType string, payload map[string]interface{}) {
	if b.bus != nil {
		b.bus.Publish("rag", eventType, payload)
	}
}
