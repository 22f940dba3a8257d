// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_lanes

import (
	"time"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// LaneFallback identifies fallback audio on the wire.
const LaneFallback = "fallback"

// FallbackPlayer speaks the safe pre-approved line after a policy
// cancellation. Escalations get the human-handoff variant instead.
type FallbackPlayer struct {
	player   player
	standard Utterance
	handoff  Utterance
}

func NewFallbackPlayer(logger commons.Logger, sink Sink) *FallbackPlayer {
	return &FallbackPlayer{
		player: player{logger: logger, lane: LaneFallback, sink: sink},
		standard: Utterance{
			Text:  "I can't continue with that response. Is there something else I can help you with?",
			Audio: synthesizeTone(2500*time.Millisecond, 440),
		},
		handoff: Utterance{
			Text:  "I want to make sure you get the right support. Let me connect you with a person who can help.",
			Audio: synthesizeTone(3*time.Second, 392),
		},
	}
}

// Play speaks the safe utterance; escalate selects the handoff variant.
// onComplete fires when the utterance finishes naturally (not on Stop).
func (f *FallbackPlayer) Play(escalate bool, onComplete func()) {
	utterance := f.standard
	if escalate {
		utterance = f.handoff
	}
	f.player.play(utterance, onComplete)
}

// Stop halts fallback playback immediately.
func (f *FallbackPlayer) Stop() {
	f.player.stop()
}
