// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_lanes

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

const (
	// SampleRate matches the client wire default.
	SampleRate = 24000

	// frameDuration paces playback at realtime.
	frameDuration = 20 * time.Millisecond

	// frameBytes is 20ms of 24kHz mono PCM16.
	frameBytes = SampleRate * 2 / 50
)

// Utterance is a pre-approved line with its pre-synthesized PCM16 audio.
type Utterance struct {
	Text  string
	Audio []byte
}

// Sink receives paced lane audio and the transcript of what was spoken.
// Implementations must not block.
type Sink interface {
	WriteLaneAudio(lane string, chunk []byte)
	WriteLaneTranscript(lane string, text string)
}

// player streams one utterance at realtime pace until it runs out or is
// stopped. A lane never has more than one active playback.
type player struct {
	mu         sync.Mutex
	logger     commons.Logger
	lane       string
	sink       Sink
	cancel     context.CancelFunc
	generation int
}

func (p *player) play(utterance Utterance, onComplete func()) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.generation++
	generation := p.generation
	p.mu.Unlock()

	p.sink.WriteLaneTranscript(p.lane, utterance.Text)

	go func() {
		defer func() {
			p.mu.Lock()
			current := p.generation == generation
			if current {
				p.cancel = nil
			}
			p.mu.Unlock()
			if current && onComplete != nil {
				onComplete()
			}
		}()

		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		audio := utterance.Audio
		for offset := 0; offset < len(audio); offset += frameBytes {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			end := offset + frameBytes
			if end > len(audio) {
				end = len(audio)
			}
			p.sink.WriteLaneAudio(p.lane, audio[offset:end])
		}
	}()
}

// stop halts the active playback without firing its completion callback.
func (p *player) stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.generation++
	p.mu.Unlock()
}

// synthesizeTone renders a soft placeholder utterance: a faded sine burst
// followed by silence, sized to the given duration. Stands in for studio
// recordings of the approved lines.
func synthesizeTone(duration time.Duration, frequency float64) []byte {
	samples := int(float64(SampleRate) * duration.Seconds())
	audio := make([]byte, samples*2)
	toneSamples := samples / 3
	for i := 0; i < toneSamples; i++ {
		fade := 1.0 - float64(i)/float64(toneSamples)
		value := math.Sin(2*math.Pi*frequency*float64(i)/SampleRate) * 6000 * fade
		sample := int16(value)
		audio[i*2] = byte(uint16(sample) & 0xff)
		audio[i*2+1] = byte(uint16(sample) >> 8)
	}
	return audio
}
