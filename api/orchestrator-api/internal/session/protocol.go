// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import "encoding/json"

// ============================================================================
// Client -> server messages
// ============================================================================

// ClientMessageType enumerates inbound message types.
type ClientMessageType string

const (
	ClientSessionStart   ClientMessageType = "session.start"
	ClientSessionSetMode ClientMessageType = "session.set_mode"
	ClientAudioChunk     ClientMessageType = "audio.chunk"
	ClientAudioStop      ClientMessageType = "audio.stop"
	ClientAudioCancel    ClientMessageType = "audio.cancel"
	ClientAudioCommit    ClientMessageType = "audio.commit"
	ClientPlaybackEnded  ClientMessageType = "playback.ended"
	ClientUserBargeIn    ClientMessageType = "user.barge_in"
	ClientSessionEnd     ClientMessageType = "session.end"
)

// ClientMessage is the inbound envelope. Fields are a union across types.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
	VoiceMode   string            `json:"voiceMode,omitempty"`
	Data        string            `json:"data,omitempty"`
	Format      string            `json:"format,omitempty"`
	SampleRate  int               `json:"sampleRate,omitempty"`
}

// ============================================================================
// Server -> client messages
// ============================================================================

// ServerMessageType enumerates outbound message types.
type ServerMessageType string

const (
	ServerSessionReady     ServerMessageType = "session.ready"
	ServerProviderReady    ServerMessageType = "provider.ready"
	ServerLaneStateChanged ServerMessageType = "lane.state_changed"
	ServerLaneOwnerChanged ServerMessageType = "lane.owner_changed"
	ServerAudioChunk       ServerMessageType = "audio.chunk"
	ServerTranscript       ServerMessageType = "transcript"
	ServerUserTranscript   ServerMessageType = "user_transcript"
	ServerSpeechStarted    ServerMessageType = "speech.started"
	ServerSpeechStopped    ServerMessageType = "speech.stopped"
	ServerResponseStart    ServerMessageType = "response.start"
	ServerResponseEnd      ServerMessageType = "response.end"
	ServerAudioStopAck     ServerMessageType = "audio.stop.ack"
	ServerAudioCancelAck   ServerMessageType = "audio.cancel.ack"
	ServerBargeInAck       ServerMessageType = "user.barge_in.ack"
	ServerModeChanged      ServerMessageType = "session.mode_changed"
	ServerCommitSkipped    ServerMessageType = "commit.skipped"
	ServerError            ServerMessageType = "error"
)

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Type       ServerMessageType `json:"type"`
	SessionID  string            `json:"sessionId,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Data       string            `json:"data,omitempty"`
	Format     string            `json:"format,omitempty"`
	SampleRate int               `json:"sampleRate,omitempty"`
	Lane       string            `json:"lane,omitempty"`
	Text       string            `json:"text,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	IsFinal    bool              `json:"isFinal,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	VoiceMode  string            `json:"voiceMode,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	TTFBMs     int64             `json:"ttfbMs,omitempty"`

	IsReturningUser      bool `json:"isReturningUser,omitempty"`
	PreviousSessionCount int  `json:"previousSessionCount,omitempty"`
}

// Encode marshals the message for the wire.
func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
