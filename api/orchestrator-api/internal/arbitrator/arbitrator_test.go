// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_arbitrator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

type signalRecorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *signalRecorder) emit(signal Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal)
}

func (r *signalRecorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

func (r *signalRecorder) kinds() []SignalKind {
	kinds := []SignalKind{}
	for _, signal := range r.all() {
		kinds = append(kinds, signal.Kind)
	}
	return kinds
}

func (r *signalRecorder) count(kind SignalKind) int {
	count := 0
	for _, signal := range r.all() {
		if signal.Kind == kind {
			count++
		}
	}
	return count
}

// ownerSequence returns the observed owner trajectory, starting from none.
func (r *signalRecorder) ownerSequence() []Owner {
	sequence := []Owner{OwnerNone}
	for _, signal := range r.all() {
		if signal.Kind == SignalOwnerChange {
			sequence = append(sequence, signal.ToOwner)
		}
	}
	return sequence
}

func testConfig() Config {
	return Config{
		SessionID:            "test-session",
		EnableReflex:         true,
		MinDelayBeforeReflex: 30 * time.Millisecond,
		MaxReflexDuration:    2 * time.Second,
		TransitionGap:        0,
	}
}

func newTestArbitrator(t *testing.T, config Config) (*Arbitrator, *signalRecorder) {
	t.Helper()
	recorder := &signalRecorder{}
	arb := New(commons.NewNopLogger(), config, recorder.emit)
	return arb, recorder
}

// waitForState polls until the arbitrator reaches the wanted state.
func waitForState(t *testing.T, arb *Arbitrator, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if arb.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("arbitrator never reached %s (stuck at %s)", want, arb.State())
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStartSession(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())

	assert.Equal(t, StateIdle, arb.State())
	arb.StartSession()
	assert.Equal(t, StateListening, arb.State())
	assert.Equal(t, OwnerNone, arb.Owner())

	signals := recorder.all()
	require.Len(t, signals, 1)
	assert.Equal(t, SignalStateChange, signals[0].Kind)
	assert.Equal(t, StateIdle, signals[0].FromState)
	assert.Equal(t, StateListening, signals[0].ToState)
}

func TestStartSession_OnlyFromIdle(t *testing.T) {
	arb, _ := newTestArbitrator(t, testConfig())
	arb.StartSession()
	arb.StartSession() // ignored
	assert.Equal(t, StateListening, arb.State())
	assert.Len(t, arb.StateHistory(), 1)
}

func TestEndSession_Idempotent(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())
	arb.StartSession()
	arb.EndSession()
	arb.EndSession()

	assert.Equal(t, StateEnded, arb.State())
	history := arb.StateHistory()
	require.Len(t, history, 2)
	assert.Equal(t, StateEnded, history[1].To)
	assert.Equal(t, 2, recorder.count(SignalStateChange))
}

func TestEndSession_StopsFallback(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnPolicyCancel()
	require.Equal(t, StateFallbackPlaying, arb.State())

	arb.EndSession()
	assert.Equal(t, StateEnded, arb.State())
	assert.Equal(t, 1, recorder.count(SignalStopFallback))
}

// ============================================================================
// Response cycle
// ============================================================================

func TestOnUserSpeechEnded_GuardsState(t *testing.T) {
	arb, _ := newTestArbitrator(t, testConfig())

	// Not listening yet: ignored.
	arb.OnUserSpeechEnded()
	assert.Equal(t, StateIdle, arb.State())

	arb.StartSession()
	arb.OnUserSpeechEnded()
	assert.Equal(t, StateBResponding, arb.State())
	assert.True(t, arb.ResponseInProgress())
}

func TestOnUserSpeechEnded_NewCycleAfterCompletion(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, _ := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()
	arb.OnLaneBDone()
	require.Equal(t, StateListening, arb.State())

	// Cycle closed: a new one may begin.
	arb.OnUserSpeechEnded()
	assert.Equal(t, StateBResponding, arb.State())
	assert.EqualValues(t, 2, arb.GetMetrics().ResponseCycles)
}

func TestLaneBReady_DirectPath(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()

	assert.Equal(t, StateBPlaying, arb.State())
	assert.Equal(t, OwnerReasoning, arb.Owner())
	assert.Equal(t, 1, recorder.count(SignalPlayLaneB))
	assert.Equal(t, 0, recorder.count(SignalPlayReflex))
}

func TestLaneBReady_Idempotent(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()
	before := len(recorder.all())

	arb.OnLaneBReady() // second call in the same cycle: no-op
	assert.Equal(t, StateBPlaying, arb.State())
	assert.Len(t, recorder.all(), before)
}

func TestLaneBDone_HappyPath(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()
	arb.OnLaneBDone()

	assert.Equal(t, StateListening, arb.State())
	assert.False(t, arb.ResponseInProgress())
	assert.Equal(t, 1, recorder.count(SignalStopLaneB))
	assert.Equal(t, 1, recorder.count(SignalResponseComplete))

	// response_complete comes only after ownership returned to none.
	kinds := recorder.kinds()
	last := kinds[len(kinds)-1]
	assert.Equal(t, SignalResponseComplete, last)
}

func TestLaneBDone_BeforeAudio(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBDone() // text-only response: done without first audio

	assert.Equal(t, StateListening, arb.State())
	assert.False(t, arb.ResponseInProgress())
	assert.Equal(t, 1, recorder.count(SignalResponseComplete))
	assert.Equal(t, 0, recorder.count(SignalPlayLaneB))
	assert.Equal(t, 0, recorder.count(SignalStopLaneB))
}

// ============================================================================
// Preemption (scenario: reflex fires, then Lane B arrives)
// ============================================================================

func TestPreemption_OwnerSequence(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())
	arb.StartSession()
	arb.OnUserSpeechEnded()

	waitForState(t, arb, StateAPlaying)
	assert.Equal(t, OwnerReflex, arb.Owner())
	assert.Equal(t, 1, recorder.count(SignalPlayReflex))

	arb.OnLaneBReady()
	assert.Equal(t, StateBPlaying, arb.State())

	// Owner trajectory: none -> reflex -> reasoning.
	assert.Equal(t, []Owner{OwnerNone, OwnerReflex, OwnerReasoning}, recorder.ownerSequence())
	assert.Equal(t, 1, recorder.count(SignalStopReflex))
	assert.Equal(t, 1, recorder.count(SignalPlayLaneB))
	assert.EqualValues(t, 1, arb.GetMetrics().Preemptions)
}

func TestPreemption_TransitionGapDelaysPlay(t *testing.T) {
	config := testConfig()
	config.TransitionGap = 25 * time.Millisecond
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	waitForState(t, arb, StateAPlaying)

	arb.OnLaneBReady()
	assert.Equal(t, StateBPlaying, arb.State())
	assert.Equal(t, 0, recorder.count(SignalPlayLaneB), "play should wait for the gap")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && recorder.count(SignalPlayLaneB) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 1, recorder.count(SignalPlayLaneB))
}

func TestReflexTimeout_SingleStop(t *testing.T) {
	config := testConfig()
	config.MaxReflexDuration = 30 * time.Millisecond
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	waitForState(t, arb, StateAPlaying)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && recorder.count(SignalStopReflex) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	// Timeout stops the filler but the state holds for Lane B.
	assert.Equal(t, StateAPlaying, arb.State())
	require.Equal(t, 1, recorder.count(SignalStopReflex))

	// Lane B arriving afterwards must not emit a second stop_reflex.
	arb.OnLaneBReady()
	assert.Equal(t, StateBPlaying, arb.State())
	assert.Equal(t, 1, recorder.count(SignalStopReflex))
}

// ============================================================================
// Barge-in
// ============================================================================

func TestBargeIn_DuringLaneB(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()

	arb.OnUserBargeIn()
	assert.Equal(t, StateListening, arb.State())
	assert.False(t, arb.ResponseInProgress())
	assert.Equal(t, 1, recorder.count(SignalStopLaneB))
	assert.Equal(t, 0, recorder.count(SignalResponseComplete))
}

func TestBargeIn_IgnoredWhenIdleOrEnded(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())
	arb.OnUserBargeIn()
	assert.Equal(t, StateIdle, arb.State())
	assert.Empty(t, recorder.all())

	arb.StartSession()
	arb.EndSession()
	before := len(recorder.all())
	arb.OnUserBargeIn()
	assert.Len(t, recorder.all(), before)
}

// ============================================================================
// Policy cancellation
// ============================================================================

func TestPolicyCancel_DuringLaneB(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()

	arb.OnPolicyCancel()
	assert.Equal(t, StateFallbackPlaying, arb.State())
	assert.Equal(t, OwnerFallback, arb.Owner())
	assert.True(t, arb.ResponseInProgress())
	assert.Equal(t, 1, recorder.count(SignalStopLaneB))
	assert.Equal(t, 1, recorder.count(SignalPlayFallback))
	assert.Equal(t, []Owner{OwnerNone, OwnerReasoning, OwnerFallback}, recorder.ownerSequence())

	// The canceled response's done notification is suppressed exactly once.
	arb.OnLaneBDone()
	assert.Equal(t, StateFallbackPlaying, arb.State())
	assert.Equal(t, 0, recorder.count(SignalResponseComplete))

	arb.OnFallbackComplete()
	assert.Equal(t, StateListening, arb.State())
	assert.False(t, arb.ResponseInProgress())
	assert.Equal(t, 1, recorder.count(SignalStopFallback))
	assert.Equal(t, 1, recorder.count(SignalResponseComplete))
}

func TestPolicyCancel_WhileAlreadyFallback(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()
	arb.OnPolicyCancel()
	arb.OnLaneBDone() // consumes the first suppression

	arb.OnPolicyCancel() // second cancel while fallback is playing
	assert.Equal(t, StateFallbackPlaying, arb.State())
	assert.Equal(t, 1, recorder.count(SignalPlayFallback), "fallback must not restart")

	// Suppression was re-latched for the residual stream's done.
	arb.OnLaneBDone()
	assert.Equal(t, StateFallbackPlaying, arb.State())
}

func TestPolicyCancel_DuringReflex(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())
	arb.StartSession()
	arb.OnUserSpeechEnded()
	waitForState(t, arb, StateAPlaying)

	arb.OnPolicyCancel()
	assert.Equal(t, StateFallbackPlaying, arb.State())
	assert.Equal(t, 1, recorder.count(SignalStopReflex))
	assert.Equal(t, 1, recorder.count(SignalPlayFallback))
}

// ============================================================================
// Reset
// ============================================================================

func TestResetResponseInProgress_CollapsesBResponding(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, _ := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	require.Equal(t, StateBResponding, arb.State())

	arb.ResetResponseInProgress()
	assert.Equal(t, StateListening, arb.State())
	assert.False(t, arb.ResponseInProgress())
}

// ============================================================================
// Invariants
// ============================================================================

// TestPlayStopPairing runs a busy trace and checks that every play has
// exactly one matching stop before the next play of the same lane.
func TestPlayStopPairing(t *testing.T) {
	arb, recorder := newTestArbitrator(t, testConfig())
	arb.StartSession()

	for i := 0; i < 3; i++ {
		arb.OnUserSpeechEnded()
		waitForState(t, arb, StateAPlaying)
		arb.OnLaneBReady()
		arb.OnLaneBDone()
	}
	arb.OnUserSpeechEnded()
	waitForState(t, arb, StateAPlaying)
	arb.OnPolicyCancel()
	arb.OnLaneBDone()
	arb.OnFallbackComplete()
	arb.EndSession()

	pairs := map[SignalKind]SignalKind{
		SignalPlayReflex:   SignalStopReflex,
		SignalPlayLaneB:    SignalStopLaneB,
		SignalPlayFallback: SignalStopFallback,
	}
	for play, stop := range pairs {
		playing := false
		for _, signal := range recorder.all() {
			switch signal.Kind {
			case play:
				assert.False(t, playing, "double play of %s", play)
				playing = true
			case stop:
				assert.True(t, playing, "stop without play for %s", stop)
				playing = false
			}
		}
		assert.False(t, playing, "unmatched play of %s", play)
	}
}

// TestSignalOrdering checks that state changes arrive in production order.
func TestSignalOrdering(t *testing.T) {
	config := testConfig()
	config.EnableReflex = false
	arb, recorder := newTestArbitrator(t, config)
	arb.StartSession()
	arb.OnUserSpeechEnded()
	arb.OnLaneBReady()
	arb.OnLaneBDone()

	var states []State
	for _, signal := range recorder.all() {
		if signal.Kind == SignalStateChange {
			states = append(states, signal.ToState)
		}
	}
	assert.Equal(t, []State{StateListening, StateBResponding, StateBPlaying, StateListening}, states)
}

// TestAuditSink verifies transitions reach the sink and that a failing
// sink does not block arbitration.
func TestAuditSink(t *testing.T) {
	recorder := &signalRecorder{}
	sink := &failingSink{}
	arb := New(commons.NewNopLogger(), testConfig(), recorder.emit, WithAuditSink(sink))

	arb.StartSession()
	arb.OnUserSpeechEnded()
	assert.Equal(t, StateBResponding, arb.State())
	assert.GreaterOrEqual(t, sink.calls, 2)
}

type failingSink struct{ calls int }

func (s *failingSink) RecordStateTransition(string, State, State, string) error {
	s.calls++
	return assert.AnError
}

func (s *failingSink) RecordOwnerTransition(string, Owner, Owner, string) error {
	s.calls++
	return assert.AnError
}
