// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

func TestBus_TypedSubscription(t *testing.T) {
	bus := NewBus(commons.NewNopLogger(), "session-1")

	var received []Event
	bus.Subscribe("rag.query", func(event Event) { received = append(received, event) })

	bus.Publish("rag", "rag.query", map[string]interface{}{"query": "x"})
	bus.Publish("rag", "rag.result", nil) // different type: not delivered

	require.Len(t, received, 1)
	assert.Equal(t, "rag.query", received[0].Type)
	assert.Equal(t, "session-1", received[0].SessionID)
	assert.Equal(t, "rag", received[0].Source)
	assert.NotEmpty(t, received[0].EventID)
	assert.NotZero(t, received[0].TMs)
}

func TestBus_WildcardSeesEverything(t *testing.T) {
	bus := NewBus(commons.NewNopLogger(), "session-1")

	var types []string
	bus.SubscribeAll(func(event Event) { types = append(types, event.Type) })

	bus.Publish("a", "one", nil)
	bus.Publish("b", "two", nil)
	assert.Equal(t, []string{"one", "two"}, types)
}

func TestBus_TypedBeforeWildcard(t *testing.T) {
	bus := NewBus(commons.NewNopLogger(), "session-1")

	var order []string
	bus.Subscribe("x", func(Event) { order = append(order, "typed") })
	bus.SubscribeAll(func(Event) { order = append(order, "wildcard") })

	bus.Publish("src", "x", nil)
	assert.Equal(t, []string{"typed", "wildcard"}, order)
}

func TestBus_PanickingHandlerIsolated(t *testing.T) {
	bus := NewBus(commons.NewNopLogger(), "session-1")

	delivered := false
	bus.Subscribe("x", func(Event) { panic("bad subscriber") })
	bus.Subscribe("x", func(Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish("src", "x", nil) })
	assert.True(t, delivered, "later subscribers still run")
}

func TestBus_CloseReleasesSubscriptions(t *testing.T) {
	bus := NewBus(commons.NewNopLogger(), "session-1")

	count := 0
	bus.Subscribe("x", func(Event) { count++ })
	bus.Close()

	bus.Publish("src", "x", nil)
	assert.Zero(t, count)

	// Subscribing after close is a no-op, not a panic.
	bus.Subscribe("x", func(Event) { count++ })
	bus.Publish("src", "x", nil)
	assert.Zero(t, count)
}
