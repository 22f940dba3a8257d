// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// Event is the open-schema record carried by the fabric.
type Event struct {
	EventID   string                 `json:"event_id"`
	SessionID string                 `json:"session_id"`
	TMs       int64                  `json:"t_ms"`
	Source    string                 `json:"source"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler consumes one event. Handlers run synchronously on the publishing
// goroutine, so they must not block.
type Handler func(Event)

// Bus is a per-session event fabric. Subscriptions belong to the session
// that owns the bus and are released on Close; there are no global
// subscriber maps. Fan-out is synchronous and in publish order — the
// wildcard path is just an iteration over the typed subscribers plus the
// catch-all list.
type Bus struct {
	mu        sync.RWMutex
	logger    commons.Logger
	sessionID string
	byType    map[string][]Handler
	all       []Handler
	closed    bool
	clock     func() time.Time
}

func NewBus(logger commons.Logger, sessionID string) *Bus {
	return &Bus{
		logger:    logger,
		sessionID: sessionID,
		byType:    make(map[string][]Handler),
		clock:     time.Now,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.byType[eventType] = append(b.byType[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.all = append(b.all, handler)
}

// Publish stamps and fans out an event. A handler panic is recovered and
// logged so one bad subscriber cannot take the session loop down.
func (b *Bus) Publish(source, eventType string, payload map[string]interface{}) Event {
	event := Event{
		EventID:   uuid.New().String(),
		SessionID: b.sessionID,
		TMs:       b.clock().UnixMilli(),
		Source:    source,
		Type:      eventType,
		Payload:   payload,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return event
	}
	typed := b.byType[eventType]
	handlers := make([]Handler, 0, len(typed)+len(b.all))
	handlers = append(handlers, typed...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(handler, event)
	}
	return event
}

func (b *Bus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked",
				"session", b.sessionID, "type", event.Type, "panic", r)
		}
	}()
	handler(event)
}

// Close releases all subscriptions. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.byType = make(map[string][]Handler)
	b.all = nil
}
