// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_arbitrator

import "time"

// State is the arbitrator lifecycle state. At most one lane owns the
// speaker at any instant; the owner is a pure function of the state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAPlaying
	StateBResponding
	StateBPlaying
	StateFallbackPlaying
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateAPlaying:
		return "A_PLAYING"
	case StateBResponding:
		return "B_RESPONDING"
	case StateBPlaying:
		return "B_PLAYING"
	case StateFallbackPlaying:
		return "FALLBACK_PLAYING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Owner identifies which lane holds the speaker.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerReflex
	OwnerReasoning
	OwnerFallback
)

func (o Owner) String() string {
	switch o {
	case OwnerReflex:
		return "reflex"
	case OwnerReasoning:
		return "reasoning"
	case OwnerFallback:
		return "fallback"
	default:
		return "none"
	}
}

// OwnerForState derives the speaker owner from the lifecycle state.
func OwnerForState(s State) Owner {
	switch s {
	case StateAPlaying:
		return OwnerReflex
	case StateBPlaying:
		return OwnerReasoning
	case StateFallbackPlaying:
		return OwnerFallback
	default:
		return OwnerNone
	}
}

// SignalKind enumerates the observable signals the arbitrator emits.
type SignalKind string

const (
	SignalStateChange      SignalKind = "state_change"
	SignalOwnerChange      SignalKind = "owner_change"
	SignalPlayReflex       SignalKind = "play_reflex"
	SignalStopReflex       SignalKind = "stop_reflex"
	SignalPlayLaneB        SignalKind = "play_lane_b"
	SignalStopLaneB        SignalKind = "stop_lane_b"
	SignalPlayFallback     SignalKind = "play_fallback"
	SignalStopFallback     SignalKind = "stop_fallback"
	SignalResponseComplete SignalKind = "response_complete"
)

// Signal is one emitted notification. State/owner fields are only set on
// state_change and owner_change kinds.
type Signal struct {
	Kind      SignalKind
	FromState State
	ToState   State
	FromOwner Owner
	ToOwner   Owner
	Cause     string
}

// Transition is a state history entry exposed for tests and diagnostics.
type Transition struct {
	From    State
	To      State
	Trigger string
	At      time.Time
}

// Metrics are the per-session arbitration counters.
type Metrics struct {
	ResponseCycles    int64
	ReflexPlays       int64
	Preemptions       int64
	BargeIns          int64
	PolicyCancels     int64
	LastBReadyLatency time.Duration
}

// AuditSink receives every state and owner transition in production order.
// Implementations are best-effort: a returned error is logged by the
// arbitrator and never blocks arbitration.
type AuditSink interface {
	RecordStateTransition(sessionID string, from, to State, trigger string) error
	RecordOwnerTransition(sessionID string, from, to Owner, trigger string) error
}
