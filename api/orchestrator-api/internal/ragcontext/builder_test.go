// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_ragcontext

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	internal_knowledge "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/knowledge"
	internal_policy "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/policy"
	internal_retrieval "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/retrieval"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

func testCatalog() *internal_knowledge.Catalog {
	catalog := &internal_knowledge.Catalog{
		Facts: []internal_knowledge.Fact{
			{ID: "NXTG-001", Text: "NextGen AI answers questions about voice latency", Source: "docs", Timestamp: "2025-01-01"},
		},
		Disclaimers: []internal_knowledge.Disclaimer{
			{ID: "disc-general", Text: "General information only.", RequiredFor: []string{"all_sessions"}},
		},
		FactsReady: true,
	}
	catalog.Freeze()
	return catalog
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	catalog := testCatalog()
	service := internal_retrieval.NewService(commons.NewNopLogger(), catalog)
	bus := internal_events.NewBus(commons.NewNopLogger(), "session-1")
	return NewBuilder(commons.NewNopLogger(), service, catalog, bus)
}

func TestBuildInstructions_Format(t *testing.T) {
	builder := newTestBuilder(t)

	instructions := builder.BuildInstructions("tell me about voice latency")
	require.NotEmpty(t, instructions)
	assert.True(t, strings.HasPrefix(instructions,
		"For questions about NextGen AI, use ONLY the facts in FACTS_PACK."))
	require.Contains(t, instructions, "\nFACTS_PACK=")

	// The payload after FACTS_PACK= is valid pack JSON.
	payload := instructions[strings.Index(instructions, "FACTS_PACK=")+len("FACTS_PACK="):]
	var pack internal_retrieval.FactsPack
	require.NoError(t, json.Unmarshal([]byte(payload), &pack))
	assert.NotEmpty(t, pack.Topic)
}

func TestBuildInstructions_EmitsEvents(t *testing.T) {
	catalog := testCatalog()
	service := internal_retrieval.NewService(commons.NewNopLogger(), catalog)
	bus := internal_events.NewBus(commons.NewNopLogger(), "session-1")

	var types []string
	bus.SubscribeAll(func(event internal_events.Event) { types = append(types, event.Type) })

	builder := NewBuilder(commons.NewNopLogger(), service, catalog, bus)
	builder.BuildInstructions("voice latency")

	assert.Equal(t, []string{"rag.query", "tool.call", "tool.result", "rag.result"}, types)
}

func TestBuildInstructions_RedactsQuery(t *testing.T) {
	catalog := testCatalog()
	service := internal_retrieval.NewService(commons.NewNopLogger(), catalog)
	bus := internal_events.NewBus(commons.NewNopLogger(), "session-1")

	var queries []string
	bus.Subscribe("rag.query", func(event internal_events.Event) {
		queries = append(queries, event.Payload["query"].(string))
	})

	builder := NewBuilder(commons.NewNopLogger(), service, catalog, bus,
		WithTranscriptRedaction(internal_policy.NewPIIRedactor()))
	builder.BuildInstructions("my email is leak@corp.io, what about latency")

	require.Len(t, queries, 1)
	assert.NotContains(t, queries[0], "leak@corp.io")
	assert.Contains(t, queries[0], "[EMAIL_REDACTED]")
}

// Disclaimers are consumed exactly once per response.
func TestDisclaimers_ConsumeOnce(t *testing.T) {
	builder := newTestBuilder(t)

	builder.BuildInstructions("voice latency")
	first := builder.ConsumeDisclaimers()
	require.Equal(t, []string{"General information only."}, first)

	second := builder.ConsumeDisclaimers()
	assert.Empty(t, second)
}

func TestRequireDisclaimer_DeduplicatesAndDropsUnknown(t *testing.T) {
	builder := newTestBuilder(t)

	builder.RequireDisclaimer("disc-general")
	builder.RequireDisclaimer("disc-general")
	builder.RequireDisclaimer("disc-missing")
	builder.RequireDisclaimer("")

	texts := builder.ConsumeDisclaimers()
	assert.Equal(t, []string{"General information only."}, texts)
}
