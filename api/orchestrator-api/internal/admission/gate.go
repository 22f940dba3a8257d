// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_admission

import (
	"math"
	"sync"
	"time"

	internal_arbitrator "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/arbitrator"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

const (
	// DefaultCooldownMs must exceed typical room reverb (RT60) so AI audio
	// cannot leak back into the microphone and be re-recognized.
	DefaultCooldownMs = 1500

	// DefaultMinRMS sits between the noise floor and a whisper
	// (~ -44 dBFS for 16-bit PCM).
	DefaultMinRMS = 200
)

// DropReason classifies why a chunk was rejected. Drops are silent by
// design — they are never surfaced to the client.
type DropReason string

const (
	DropNone     DropReason = ""
	DropLatched  DropReason = "stop_latched"
	DropUpstream DropReason = "upstream_not_ready"
	DropState    DropReason = "not_listening"
	DropCooldown DropReason = "cooldown"
	DropLowRMS   DropReason = "low_rms"
)

// Metrics counts admission outcomes for one session.
type Metrics struct {
	Admitted int64
	Dropped  map[DropReason]int64
}

// Gate filters inbound client audio before it reaches the upstream
// adapter. The checks run in a fixed order: stop-latch, upstream
// readiness, lifecycle state, echo cooldown, RMS energy.
type Gate struct {
	mu     sync.Mutex
	logger commons.Logger
	clock  func() time.Time

	cooldown time.Duration
	minRMS   float64

	latched             bool
	lastResponseEndTime time.Time
	lastPlaybackEndTime time.Time

	metrics Metrics
}

// Option customizes a Gate.
type Option func(*Gate)

// WithCooldown overrides the echo-suppression window.
func WithCooldown(d time.Duration) Option {
	return func(g *Gate) { g.cooldown = d }
}

// WithMinRMS overrides the energy floor.
func WithMinRMS(rms float64) Option {
	return func(g *Gate) { g.minRMS = rms }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func NewGate(logger commons.Logger, opts ...Option) *Gate {
	g := &Gate{
		logger:   logger,
		clock:    time.Now,
		cooldown: DefaultCooldownMs * time.Millisecond,
		minRMS:   DefaultMinRMS,
	}
	g.metrics.Dropped = make(map[DropReason]int64)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit decides whether one inbound chunk may be forwarded upstream.
func (g *Gate) Admit(chunk []byte, state internal_arbitrator.State, upstreamConnected bool) (bool, DropReason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.latched {
		return g.dropLocked(DropLatched)
	}
	if !upstreamConnected {
		return g.dropLocked(DropUpstream)
	}
	if state != internal_arbitrator.StateListening {
		return g.dropLocked(DropState)
	}

	anchor := g.lastResponseEndTime
	if g.lastPlaybackEndTime.After(anchor) {
		anchor = g.lastPlaybackEndTime
	}
	if !anchor.IsZero() && g.clock().Sub(anchor) < g.cooldown {
		return g.dropLocked(DropCooldown)
	}

	if ComputeRMS(chunk) < g.minRMS {
		return g.dropLocked(DropLowRMS)
	}

	g.metrics.Admitted++
	return true, DropNone
}

func (g *Gate) dropLocked(reason DropReason) (bool, DropReason) {
	g.metrics.Dropped[reason]++
	return false, reason
}

// ============================================================================
// Control edges
// ============================================================================

// LatchStop closes the microphone until the next open-mic event
// (session start, barge-in, or commit-skipped recovery).
func (g *Gate) LatchStop() {
	g.mu.Lock()
	g.latched = true
	g.mu.Unlock()
}

// Unlatch reopens the microphone.
func (g *Gate) Unlatch() {
	g.mu.Lock()
	g.latched = false
	g.mu.Unlock()
}

// Latched reports the stop-latch state.
func (g *Gate) Latched() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latched
}

// MarkPlaybackEnded anchors the cooldown on client playback drain.
func (g *Gate) MarkPlaybackEnded() {
	g.mu.Lock()
	g.lastPlaybackEndTime = g.clock()
	g.mu.Unlock()
}

// MarkResponseEnded anchors the cooldown on server-side response
// completion and reopens the microphone. Latch clearing here applies to
// every response-complete path, not just the happy one.
func (g *Gate) MarkResponseEnded() {
	g.mu.Lock()
	g.lastResponseEndTime = g.clock()
	g.latched = false
	g.mu.Unlock()
}

// GetMetrics returns a snapshot of admission counters.
func (g *Gate) GetMetrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot := Metrics{Admitted: g.metrics.Admitted, Dropped: make(map[DropReason]int64, len(g.metrics.Dropped))}
	for reason, count := range g.metrics.Dropped {
		snapshot.Dropped[reason] = count
	}
	return snapshot
}

// ComputeRMS interprets the chunk as little-endian PCM16 and returns
// sqrt(sum(s^2)/n). An empty or odd-length-only chunk yields 0.
func ComputeRMS(chunk []byte) float64 {
	sampleCount := len(chunk) / 2
	if sampleCount == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < sampleCount*2; i += 2 {
		sample := int16(uint16(chunk[i]) | uint16(chunk[i+1])<<8)
		sumSquares += float64(sample) * float64(sample)
	}
	return math.Sqrt(sumSquares / float64(sampleCount))
}
