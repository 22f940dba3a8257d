// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_lanes

import (
	"sync"
	"time"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// LaneReflex identifies Lane A audio on the wire.
const LaneReflex = "reflex"

// ReflexEngine plays short pre-approved filler lines while Lane B is
// preparing. Utterances rotate round-robin; playback is preemptible at any
// frame boundary.
type ReflexEngine struct {
	mu         sync.Mutex
	player     player
	utterances []Utterance
	next       int
}

// DefaultReflexUtterances are the stock approved filler lines.
func DefaultReflexUtterances() []Utterance {
	lines := []string{
		"One moment.",
		"Let me look into that.",
		"Just a second.",
	}
	utterances := make([]Utterance, len(lines))
	for i, line := range lines {
		utterances[i] = Utterance{
			Text:  line,
			Audio: synthesizeTone(1200*time.Millisecond, 520),
		}
	}
	return utterances
}

func NewReflexEngine(logger commons.Logger, sink Sink, utterances []Utterance) *ReflexEngine {
	if len(utterances) == 0 {
		utterances = DefaultReflexUtterances()
	}
	return &ReflexEngine{
		player:     player{logger: logger, lane: LaneReflex, sink: sink},
		utterances: utterances,
	}
}

// Play starts the next filler line. Fillers have no completion callback —
// the arbitrator bounds them with its reflex timeout.
func (r *ReflexEngine) Play() {
	r.mu.Lock()
	utterance := r.utterances[r.next%len(r.utterances)]
	r.next++
	r.mu.Unlock()
	r.player.play(utterance, nil)
}

// Stop halts the filler immediately.
func (r *ReflexEngine) Stop() {
	r.player.stop()
}
