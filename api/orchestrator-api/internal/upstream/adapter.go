// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

import (
	"context"
	"time"
)

// VoiceMode selects how user turns are detected upstream.
type VoiceMode string

const (
	// VoiceModePushToTalk disables server VAD; the client signals turn
	// boundaries explicitly with audio.commit.
	VoiceModePushToTalk VoiceMode = "push-to-talk"

	// VoiceModeOpenMic enables server VAD with a tuned threshold and a
	// longer silence window.
	VoiceModeOpenMic VoiceMode = "open-mic"
)

// ParseVoiceMode validates a client-supplied mode string.
func ParseVoiceMode(mode string) (VoiceMode, bool) {
	switch VoiceMode(mode) {
	case VoiceModePushToTalk:
		return VoiceModePushToTalk, true
	case VoiceModeOpenMic:
		return VoiceModeOpenMic, true
	default:
		return "", false
	}
}

// Handler receives upstream events. Callbacks arrive on the adapter's
// listener goroutine in wire order and must not block.
type Handler interface {
	OnSpeechStarted()
	OnSpeechStopped()
	OnResponseStart()
	OnResponseEnd(ttfb time.Duration)
	OnAudio(chunk []byte)
	OnTranscript(text string, isFinal bool)
	OnUserTranscript(text string, isFinal bool)
	OnFirstAudioReady(ttfb time.Duration)
	OnError(err error)
}

// Adapter is the session-facing surface of the upstream realtime
// speech-to-speech provider.
type Adapter interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect() error
	IsConnected() bool
	IsResponding() bool

	// SendAudio appends a PCM16 chunk to the upstream input buffer.
	SendAudio(chunk []byte)

	// CommitAudio runs the two-phase commit protocol. It returns false
	// when the buffered audio is too short to commit; the buffer is reset
	// in that case.
	CommitAudio() bool

	ClearInputBuffer()
	Cancel()

	SetVoiceMode(mode VoiceMode)
	SetConversationContext(text string)

	// SetResponseInstructionsProvider installs the callback invoked on
	// commit confirmation with the accumulated user transcript; it returns
	// the response-scoped instructions, or "" for none.
	SetResponseInstructionsProvider(fn func(transcript string) string)
}
