// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_arbitrator

import (
	"sync"
	"time"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// Config tunes one session's arbitration behavior.
type Config struct {
	SessionID string

	// EnableReflex arms the Lane A filler timer after user speech ends.
	EnableReflex bool

	// MinDelayBeforeReflex is how long Lane B gets before the reflex
	// filler starts playing.
	MinDelayBeforeReflex time.Duration

	// MaxReflexDuration bounds the filler; after it the reflex is stopped
	// even if Lane B is still preparing.
	MaxReflexDuration time.Duration

	// TransitionGap is the pause between stopping the reflex and starting
	// Lane B playback on preemption.
	TransitionGap time.Duration
}

// DefaultConfig returns the stock arbitration timings.
func DefaultConfig(sessionID string) Config {
	return Config{
		SessionID:            sessionID,
		EnableReflex:         true,
		MinDelayBeforeReflex: 400 * time.Millisecond,
		MaxReflexDuration:    4 * time.Second,
		TransitionGap:        120 * time.Millisecond,
	}
}

// Arbitrator owns the speaker for one session. All operations serialize on
// an internal mutex; emitted signals are delivered in production order via
// a drain queue, so re-entrant calls from a signal handler are safe. The
// arbitrator never blocks on I/O — the emit callback must be non-blocking.
type Arbitrator struct {
	mu     sync.Mutex
	logger commons.Logger
	config Config
	clock  func() time.Time

	state State

	// Response cycle flags.
	responseInProgress bool
	suppressLaneBDone  bool

	// Active lane playback flags keep play_*/stop_* pairs matched: a stop
	// is only emitted for a lane whose play was actually emitted.
	reflexActive   bool
	laneBActive    bool
	fallbackActive bool

	speechEndTime time.Time
	bReadyTime    time.Time

	reflexArmTimer     *time.Timer
	reflexTimeoutTimer *time.Timer
	transitionGapTimer *time.Timer

	emit  func(Signal)
	audit AuditSink

	queue    []Signal
	draining bool

	history []Transition
	metrics Metrics
}

// Option customizes an Arbitrator.
type Option func(*Arbitrator)

// WithAuditSink installs the best-effort transition audit sink.
func WithAuditSink(sink AuditSink) Option {
	return func(a *Arbitrator) { a.audit = sink }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Arbitrator) { a.clock = clock }
}

// New creates an arbitrator in IDLE. emit receives every signal in order
// and must not block; a nil emit discards signals.
func New(logger commons.Logger, config Config, emit func(Signal), opts ...Option) *Arbitrator {
	a := &Arbitrator{
		logger: logger,
		config: config,
		clock:  time.Now,
		state:  StateIdle,
		emit:   emit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ============================================================================
// Operations
// ============================================================================

// StartSession transitions IDLE -> LISTENING. Any other starting state is
// rejected with a warning.
func (a *Arbitrator) StartSession() {
	a.mu.Lock()
	if a.state != StateIdle {
		a.logger.Warnw("start_session ignored: not idle",
			"session", a.config.SessionID, "state", a.state.String())
		a.mu.Unlock()
		return
	}
	a.transitionLocked(StateListening, "session_start")
	a.mu.Unlock()
	a.drain()
}

// EndSession is the global canceller: stops timers, stops any playing
// lane, and lands in ENDED. Idempotent.
func (a *Arbitrator) EndSession() {
	a.mu.Lock()
	if a.state == StateEnded {
		a.mu.Unlock()
		return
	}
	a.cancelTimersLocked()
	a.enqueueStopForCurrentLocked("session_end")
	a.responseInProgress = false
	a.transitionLocked(StateEnded, "session_end")
	a.mu.Unlock()
	a.drain()
}

// OnUserSpeechEnded starts a response cycle: LISTENING -> B_RESPONDING.
// It is a warned no-op outside LISTENING and while a cycle is already in
// progress; speechEndTime is recorded only on the accepted call.
func (a *Arbitrator) OnUserSpeechEnded() {
	a.mu.Lock()
	if a.state != StateListening {
		a.logger.Warnw("user_speech_ended ignored: not listening",
			"session", a.config.SessionID, "state", a.state.String())
		a.mu.Unlock()
		return
	}
	if a.responseInProgress {
		a.logger.Warnw("user_speech_ended ignored: response already in progress",
			"session", a.config.SessionID)
		a.mu.Unlock()
		return
	}

	a.responseInProgress = true
	a.speechEndTime = a.clock()
	a.bReadyTime = time.Time{}
	a.metrics.ResponseCycles++
	a.transitionLocked(StateBResponding, "user_speech_ended")

	if a.config.EnableReflex {
		a.reflexArmTimer = time.AfterFunc(a.config.MinDelayBeforeReflex, a.onReflexArmFired)
	}
	a.mu.Unlock()
	a.drain()
}

// onReflexArmFired plays the Lane A filler if Lane B is still preparing.
func (a *Arbitrator) onReflexArmFired() {
	a.mu.Lock()
	if a.state != StateBResponding {
		a.mu.Unlock()
		return
	}
	a.metrics.ReflexPlays++
	a.transitionLocked(StateAPlaying, "reflex_timer")
	a.enqueuePlayLocked(SignalPlayReflex, "reflex_timer")
	a.reflexTimeoutTimer = time.AfterFunc(a.config.MaxReflexDuration, a.onReflexTimeoutFired)
	a.mu.Unlock()
	a.drain()
}

// onReflexTimeoutFired silences an overlong filler. The state stays
// A_PLAYING — Lane B is expected imminently.
func (a *Arbitrator) onReflexTimeoutFired() {
	a.mu.Lock()
	if a.state != StateAPlaying {
		a.mu.Unlock()
		return
	}
	a.enqueueStopLocked(SignalStopReflex, "reflex_timeout")
	a.mu.Unlock()
	a.drain()
}

// OnLaneBReady hands the speaker to Lane B on its first audio. Preempts a
// playing reflex with a transition gap; idempotent within a cycle.
func (a *Arbitrator) OnLaneBReady() {
	a.mu.Lock()
	switch a.state {
	case StateAPlaying, StateBResponding:
	default:
		a.mu.Unlock()
		return
	}

	a.bReadyTime = a.clock()
	if !a.speechEndTime.IsZero() {
		a.metrics.LastBReadyLatency = a.bReadyTime.Sub(a.speechEndTime)
	}
	a.cancelReflexTimersLocked()

	if a.state == StateAPlaying {
		a.metrics.Preemptions++
		a.enqueueStopLocked(SignalStopReflex, "lane_b_ready")
		a.transitionLocked(StateBPlaying, "lane_b_ready")
		if a.config.TransitionGap > 0 {
			a.transitionGapTimer = time.AfterFunc(a.config.TransitionGap, a.onTransitionGapElapsed)
		} else {
			a.enqueuePlayLocked(SignalPlayLaneB, "lane_b_ready")
		}
	} else {
		a.transitionLocked(StateBPlaying, "lane_b_ready")
		a.enqueuePlayLocked(SignalPlayLaneB, "lane_b_ready")
	}
	a.mu.Unlock()
	a.drain()
}

// onTransitionGapElapsed releases Lane B audio after the reflex has been
// given a beat to fade out.
func (a *Arbitrator) onTransitionGapElapsed() {
	a.mu.Lock()
	if a.state != StateBPlaying {
		a.mu.Unlock()
		return
	}
	a.enqueuePlayLocked(SignalPlayLaneB, "transition_gap")
	a.mu.Unlock()
	a.drain()
}

// OnLaneBDone completes the response cycle. A latched policy cancel
// consumes exactly one done notification; FALLBACK_PLAYING ignores it.
// Unexpected states are forced back to LISTENING defensively.
func (a *Arbitrator) OnLaneBDone() {
	a.mu.Lock()
	if a.suppressLaneBDone {
		a.suppressLaneBDone = false
		a.mu.Unlock()
		return
	}

	switch a.state {
	case StateFallbackPlaying:
		a.mu.Unlock()
		return

	case StateBPlaying:
		a.cancelTimersLocked()
		a.responseInProgress = false
		a.enqueueStopLocked(SignalStopLaneB, "response_done")
		a.transitionLocked(StateListening, "response_done")
		a.enqueueLocked(Signal{Kind: SignalResponseComplete, Cause: "response_done"})

	case StateListening, StateBResponding:
		// Lane B finished before producing audio (e.g. text-only or empty
		// response). Close the cycle without playback.
		a.cancelTimersLocked()
		a.responseInProgress = false
		if a.state == StateBResponding {
			a.transitionLocked(StateListening, "response_done")
		}
		a.enqueueLocked(Signal{Kind: SignalResponseComplete, Cause: "response_done"})

	case StateAPlaying:
		a.cancelTimersLocked()
		a.responseInProgress = false
		a.enqueueStopLocked(SignalStopReflex, "response_done")
		a.transitionLocked(StateListening, "response_done")
		a.enqueueLocked(Signal{Kind: SignalResponseComplete, Cause: "response_done"})

	default:
		a.logger.Warnw("lane_b_done in unexpected state, forcing listening",
			"session", a.config.SessionID, "state", a.state.String())
		a.cancelTimersLocked()
		a.responseInProgress = false
		a.transitionLocked(StateListening, "response_done_forced")
	}
	a.mu.Unlock()
	a.drain()
}

// OnUserBargeIn cancels whatever is playing and returns to LISTENING.
// Ignored in IDLE and ENDED.
func (a *Arbitrator) OnUserBargeIn() {
	a.mu.Lock()
	if a.state == StateIdle || a.state == StateEnded {
		a.mu.Unlock()
		return
	}
	a.cancelTimersLocked()
	a.metrics.BargeIns++
	a.enqueueStopForCurrentLocked("user_barge_in")
	a.responseInProgress = false
	if a.state != StateListening {
		a.transitionLocked(StateListening, "user_barge_in")
	}
	a.mu.Unlock()
	a.drain()
}

// OnPolicyCancel cuts the current output and plays the safe fallback. The
// next Lane B done notification is suppressed so the canceled response
// cannot double-complete the cycle.
func (a *Arbitrator) OnPolicyCancel() {
	a.mu.Lock()
	if a.state == StateIdle || a.state == StateEnded {
		a.mu.Unlock()
		return
	}
	a.cancelTimersLocked()
	a.metrics.PolicyCancels++

	if a.state == StateFallbackPlaying {
		// Already in fallback: cut any residual Lane B stream and keep the
		// suppression latched for its done notification.
		a.suppressLaneBDone = true
		a.enqueueStopLocked(SignalStopLaneB, "policy_cancel")
		a.mu.Unlock()
		a.drain()
		return
	}

	a.enqueueStopForCurrentLocked("policy_cancel")
	a.suppressLaneBDone = true
	a.responseInProgress = true
	a.transitionLocked(StateFallbackPlaying, "policy_cancel")
	a.enqueuePlayLocked(SignalPlayFallback, "policy_cancel")
	a.mu.Unlock()
	a.drain()
}

// OnFallbackComplete finishes the fallback utterance and completes the
// cycle.
func (a *Arbitrator) OnFallbackComplete() {
	a.mu.Lock()
	if a.state != StateFallbackPlaying {
		a.mu.Unlock()
		return
	}
	a.responseInProgress = false
	a.enqueueStopLocked(SignalStopFallback, "fallback_complete")
	a.transitionLocked(StateListening, "fallback_complete")
	a.enqueueLocked(Signal{Kind: SignalResponseComplete, Cause: "fallback_complete"})
	a.mu.Unlock()
	a.drain()
}

// ResetResponseInProgress externally clears the cycle flag, used when an
// upstream commit was skipped. A pending B_RESPONDING collapses back to
// LISTENING.
func (a *Arbitrator) ResetResponseInProgress() {
	a.mu.Lock()
	a.responseInProgress = false
	if a.state == StateBResponding {
		a.cancelTimersLocked()
		a.transitionLocked(StateListening, "response_reset")
	}
	a.mu.Unlock()
	a.drain()
}

// ============================================================================
// Accessors (testing hooks)
// ============================================================================

// State returns the current lifecycle state.
func (a *Arbitrator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Owner returns the current speaker owner.
func (a *Arbitrator) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return OwnerForState(a.state)
}

// ResponseInProgress reports whether a response cycle is open.
func (a *Arbitrator) ResponseInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responseInProgress
}

// StateHistory returns a copy of every transition so far.
func (a *Arbitrator) StateHistory() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	history := make([]Transition, len(a.history))
	copy(history, a.history)
	return history
}

// GetMetrics returns a snapshot of the arbitration counters.
func (a *Arbitrator) GetMetrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// ============================================================================
// Internals
// ============================================================================

// transitionLocked moves to a new state, recording history, enqueueing the
// state_change (and owner_change when ownership moves), and notifying the
// audit sink. Caller holds a.mu.
func (a *Arbitrator) transitionLocked(to State, trigger string) {
	from := a.state
	if from == to {
		return
	}
	a.state = to
	a.history = append(a.history, Transition{From: from, To: to, Trigger: trigger, At: a.clock()})

	a.enqueueLocked(Signal{
		Kind:      SignalStateChange,
		FromState: from,
		ToState:   to,
		Cause:     trigger,
	})
	if a.audit != nil {
		if err := a.audit.RecordStateTransition(a.config.SessionID, from, to, trigger); err != nil {
			a.logger.Warnw("audit sink failed on state transition", "error", err)
		}
	}

	fromOwner, toOwner := OwnerForState(from), OwnerForState(to)
	if fromOwner != toOwner {
		a.enqueueLocked(Signal{
			Kind:      SignalOwnerChange,
			FromOwner: fromOwner,
			ToOwner:   toOwner,
			Cause:     trigger,
		})
		if a.audit != nil {
			if err := a.audit.RecordOwnerTransition(a.config.SessionID, fromOwner, toOwner, trigger); err != nil {
				a.logger.Warnw("audit sink failed on owner transition", "error", err)
			}
		}
	}
}

// enqueueStopForCurrentLocked emits the stop signal matching whatever lane
// currently owns the speaker.
func (a *Arbitrator) enqueueStopForCurrentLocked(cause string) {
	switch a.state {
	case StateAPlaying:
		a.enqueueStopLocked(SignalStopReflex, cause)
	case StateBPlaying:
		a.enqueueStopLocked(SignalStopLaneB, cause)
	case StateFallbackPlaying:
		a.enqueueStopLocked(SignalStopFallback, cause)
	}
}

// enqueuePlayLocked emits a play signal and marks its lane active.
func (a *Arbitrator) enqueuePlayLocked(kind SignalKind, cause string) {
	switch kind {
	case SignalPlayReflex:
		a.reflexActive = true
	case SignalPlayLaneB:
		a.laneBActive = true
	case SignalPlayFallback:
		a.fallbackActive = true
	}
	a.enqueueLocked(Signal{Kind: kind, Cause: cause})
}

// enqueueStopLocked emits a stop signal only when the lane's play was
// actually emitted, keeping play/stop pairs matched one-to-one.
func (a *Arbitrator) enqueueStopLocked(kind SignalKind, cause string) {
	switch kind {
	case SignalStopReflex:
		if !a.reflexActive {
			return
		}
		a.reflexActive = false
	case SignalStopLaneB:
		if !a.laneBActive {
			return
		}
		a.laneBActive = false
	case SignalStopFallback:
		if !a.fallbackActive {
			return
		}
		a.fallbackActive = false
	}
	a.enqueueLocked(Signal{Kind: kind, Cause: cause})
}

func (a *Arbitrator) cancelReflexTimersLocked() {
	if a.reflexArmTimer != nil {
		a.reflexArmTimer.Stop()
		a.reflexArmTimer = nil
	}
	if a.reflexTimeoutTimer != nil {
		a.reflexTimeoutTimer.Stop()
		a.reflexTimeoutTimer = nil
	}
}

func (a *Arbitrator) cancelTimersLocked() {
	a.cancelReflexTimersLocked()
	if a.transitionGapTimer != nil {
		a.transitionGapTimer.Stop()
		a.transitionGapTimer = nil
	}
}

func (a *Arbitrator) enqueueLocked(signal Signal) {
	a.queue = append(a.queue, signal)
}

// drain delivers queued signals in order. Only one goroutine drains at a
// time; re-entrant operations triggered by a handler append to the queue
// and return, preserving the total order of emissions.
func (a *Arbitrator) drain() {
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		return
	}
	a.draining = true
	for len(a.queue) > 0 {
		signal := a.queue[0]
		a.queue = a.queue[1:]
		emit := a.emit
		a.mu.Unlock()
		if emit != nil {
			emit(signal)
		}
		a.mu.Lock()
	}
	a.draining = false
	a.mu.Unlock()
}
