// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
	"github.com/rapidaai/voice-orchestrator/pkg/utils"
)

const (
	// MinBufferDurationMs is the smallest input buffer the provider will
	// accept for a commit.
	MinBufferDurationMs = 100

	// SafetyWindowMs is how long after the last append a commit waits so
	// in-flight audio frames land before the boundary.
	SafetyWindowMs = 50

	// maxBufferBytes caps the tracked input buffer at 5s of 24kHz PCM16.
	maxBufferBytes = 5 * 24000 * 2

	// maxQueueEntries bounds the outgoing message queue; the oldest entry
	// is dropped on overflow.
	maxQueueEntries = 50

	// bytesPerMs converts buffered byte counts to milliseconds at the
	// 24kHz PCM16 wire format.
	bytesPerMs = 24000 * 2 / 1000

	maxReconnectAttempts = 5
	reconnectBaseDelay   = 500 * time.Millisecond
	reconnectMaxDelay    = 10 * time.Second
)

// wireEvent is the provider's JSON envelope, both directions.
type wireEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Audio      string          `json:"audio,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// realtimeAdapter speaks the provider's realtime websocket protocol. One
// adapter serves one session; it owns a listener goroutine and a bounded
// writer goroutine and reconnects with capped exponential backoff.
type realtimeAdapter struct {
	logger  commons.Logger
	url     string
	headers http.Header
	handler Handler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	sessionID string

	responding    bool
	pendingCommit bool

	bufferedBytes  int
	lastAppendTime time.Time

	voiceMode             VoiceMode
	conversationContext   strings.Builder
	pendingUserTranscript strings.Builder
	instructionsProvider  func(transcript string) string

	responseStartTime time.Time
	firstAudioSeen    bool

	queue       []wireEvent
	queueSignal chan struct{}
	done        chan struct{}

	clock func() time.Time
	sleep func(time.Duration)
}

// RealtimeOption customizes the adapter.
type RealtimeOption func(*realtimeAdapter)

// WithHeaders sets the dial headers (authorization etc.).
func WithHeaders(headers http.Header) RealtimeOption {
	return func(a *realtimeAdapter) { a.headers = headers }
}

// WithClock injects clock and sleep for tests.
func WithClock(clock func() time.Time, sleep func(time.Duration)) RealtimeOption {
	return func(a *realtimeAdapter) {
		a.clock = clock
		a.sleep = sleep
	}
}

// NewRealtimeAdapter creates a disconnected adapter targeting url.
func NewRealtimeAdapter(logger commons.Logger, url string, handler Handler, opts ...RealtimeOption) Adapter {
	a := &realtimeAdapter{
		logger:      logger,
		url:         url,
		handler:     handler,
		voiceMode:   VoiceModePushToTalk,
		queueSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
		clock:       time.Now,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect dials the provider and starts the listener and writer loops.
// A sessionId is mandatory — reconnects reuse it.
func (a *realtimeAdapter) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("cannot connect without a session id")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, a.headers)
	if err != nil {
		return fmt.Errorf("failed to connect upstream: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.closed = false
	a.sessionID = sessionID
	a.mu.Unlock()

	utils.Go(ctx, func() { a.listen(ctx) })
	utils.Go(ctx, func() { a.writeLoop() })

	a.sendSessionUpdate()
	return nil
}

// Disconnect closes the connection and stops reconnection. Idempotent.
func (a *realtimeAdapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	close(a.done)
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func (a *realtimeAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *realtimeAdapter) IsResponding() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responding
}

// ============================================================================
// Input audio
// ============================================================================

// SendAudio appends a chunk to the upstream input buffer. The local byte
// counter is tail-truncated at 5 seconds; the outgoing queue drops its
// oldest entry beyond the bound.
func (a *realtimeAdapter) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	a.bufferedBytes += len(chunk)
	if a.bufferedBytes > maxBufferBytes {
		a.bufferedBytes = maxBufferBytes
	}
	a.lastAppendTime = a.clock()
	a.mu.Unlock()

	a.enqueue(wireEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitAudio runs the two-phase commit: verify the minimum buffered
// duration, wait out the safety window since the last append, then send
// the commit. The response is requested only on upstream confirmation.
func (a *realtimeAdapter) CommitAudio() bool {
	a.mu.Lock()
	bufferedMs := a.bufferedBytes / bytesPerMs
	if bufferedMs < MinBufferDurationMs {
		a.bufferedBytes = 0
		a.mu.Unlock()
		a.logger.Debugw("commit rejected: buffer too small", "bufferedMs", bufferedMs)
		a.enqueue(wireEvent{Type: "input_audio_buffer.clear"})
		return false
	}
	lastAppend := a.lastAppendTime
	a.mu.Unlock()

	if wait := SafetyWindowMs*time.Millisecond - a.clock().Sub(lastAppend); wait > 0 {
		a.sleep(wait)
	}

	a.mu.Lock()
	a.pendingCommit = true
	a.mu.Unlock()
	a.enqueue(wireEvent{Type: "input_audio_buffer.commit"})
	return true
}

// ClearInputBuffer best-effort clears the upstream buffer and resets the
// local accounting.
func (a *realtimeAdapter) ClearInputBuffer() {
	a.mu.Lock()
	a.bufferedBytes = 0
	a.pendingCommit = false
	a.mu.Unlock()
	a.enqueue(wireEvent{Type: "input_audio_buffer.clear"})
}

// Cancel aborts the in-flight response.
func (a *realtimeAdapter) Cancel() {
	a.mu.Lock()
	a.responding = false
	a.mu.Unlock()
	a.enqueue(wireEvent{Type: "response.cancel"})
}

// ============================================================================
// Configuration
// ============================================================================

// SetVoiceMode reconfigures upstream turn detection.
func (a *realtimeAdapter) SetVoiceMode(mode VoiceMode) {
	a.mu.Lock()
	a.voiceMode = mode
	a.mu.Unlock()
	a.sendSessionUpdate()
}

// SetConversationContext accumulates system instruction text for the
// session configuration.
func (a *realtimeAdapter) SetConversationContext(text string) {
	a.mu.Lock()
	if a.conversationContext.Len() > 0 {
		a.conversationContext.WriteString("\n")
	}
	a.conversationContext.WriteString(text)
	a.mu.Unlock()
	a.sendSessionUpdate()
}

func (a *realtimeAdapter) SetResponseInstructionsProvider(fn func(transcript string) string) {
	a.mu.Lock()
	a.instructionsProvider = fn
	a.mu.Unlock()
}

// sendSessionUpdate pushes the current session configuration upstream.
// Push-to-talk turns server VAD off entirely; open-mic enables it with a
// raised threshold and a longer silence window.
func (a *realtimeAdapter) sendSessionUpdate() {
	a.mu.Lock()
	mode := a.voiceMode
	instructions := a.conversationContext.String()
	a.mu.Unlock()

	session := map[string]interface{}{
		"modalities":          []string{"audio", "text"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
	}
	if instructions != "" {
		session["instructions"] = instructions
	}
	switch mode {
	case VoiceModeOpenMic:
		session["turn_detection"] = map[string]interface{}{
			"type":                "server_vad",
			"threshold":           0.6,
			"silence_duration_ms": 800,
		}
	default:
		session["turn_detection"] = nil
	}

	raw, err := json.Marshal(session)
	if err != nil {
		a.logger.Errorf("failed to marshal session update: %v", err)
		return
	}
	a.enqueue(wireEvent{Type: "session.update", Session: raw})
}

// ============================================================================
// Outgoing queue
// ============================================================================

// enqueue adds an event to the bounded outgoing queue, dropping the
// oldest entry on overflow.
func (a *realtimeAdapter) enqueue(event wireEvent) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.queue = append(a.queue, event)
	if len(a.queue) > maxQueueEntries {
		dropped := a.queue[0]
		a.queue = a.queue[1:]
		a.logger.Debugw("outgoing queue full, dropping oldest", "type", dropped.Type)
	}
	a.mu.Unlock()

	select {
	case a.queueSignal <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue to the connection, serializing all writes.
func (a *realtimeAdapter) writeLoop() {
	for {
		select {
		case <-a.done:
			return
		case <-a.queueSignal:
		}

		for {
			a.mu.Lock()
			if len(a.queue) == 0 || a.conn == nil {
				a.mu.Unlock()
				break
			}
			event := a.queue[0]
			a.queue = a.queue[1:]
			conn := a.conn
			a.mu.Unlock()

			if err := conn.WriteJSON(event); err != nil {
				a.logger.Errorf("upstream write failed: %v", err)
				break
			}
		}
	}
}

// ============================================================================
// Listener
// ============================================================================

// listen reads provider events until the connection drops, then attempts
// reconnection unless the adapter was closed.
func (a *realtimeAdapter) listen(ctx context.Context) {
	for {
		a.mu.Lock()
		conn := a.conn
		closed := a.closed
		a.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debugf("upstream connection closed normally")
			} else {
				a.logger.Errorf("upstream read error: %v", err)
			}
			a.handleDisconnect(ctx)
			return
		}

		var event wireEvent
		if err := json.Unmarshal(message, &event); err != nil {
			a.logger.Errorf("failed to unmarshal upstream event: %v", err)
			continue
		}
		a.processEvent(event)
	}
}

// handleDisconnect clears in-flight state and reconnects with capped
// exponential backoff. Reconnection stops once the adapter is closed.
func (a *realtimeAdapter) handleDisconnect(ctx context.Context) {
	a.mu.Lock()
	a.connected = false
	a.responding = false
	a.bufferedBytes = 0
	a.pendingCommit = false
	closed := a.closed
	sessionID := a.sessionID
	a.mu.Unlock()
	if closed || sessionID == "" {
		return
	}

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		a.sleep(delay)
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}

		dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
		conn, _, err := dialer.DialContext(ctx, a.url, a.headers)
		if err != nil {
			a.logger.Warnw("upstream reconnect failed",
				"attempt", attempt, "error", err)
			continue
		}
		conn.SetReadLimit(10 * 1024 * 1024)

		a.mu.Lock()
		a.conn = conn
		a.connected = true
		a.mu.Unlock()

		a.logger.Infow("upstream reconnected", "attempt", attempt, "session", sessionID)
		a.sendSessionUpdate()
		utils.Go(ctx, func() { a.listen(ctx) })
		return
	}

	a.logger.Errorw("upstream reconnect attempts exhausted", "session", sessionID)
	if a.handler != nil {
		a.handler.OnError(fmt.Errorf("upstream connection lost after %d reconnect attempts", maxReconnectAttempts))
	}
}

// processEvent translates provider events into handler callbacks.
func (a *realtimeAdapter) processEvent(event wireEvent) {
	switch event.Type {
	case "input_audio_buffer.speech_started":
		a.handler.OnSpeechStarted()

	case "input_audio_buffer.speech_stopped":
		a.handler.OnSpeechStopped()

	case "input_audio_buffer.committed":
		a.onCommitConfirmed()

	case "response.created":
		a.mu.Lock()
		a.responding = true
		a.responseStartTime = a.clock()
		a.firstAudioSeen = false
		a.mu.Unlock()
		a.handler.OnResponseStart()

	case "response.audio.delta":
		chunk, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			a.logger.Debugf("failed to decode audio delta: %v", err)
			return
		}
		a.mu.Lock()
		first := !a.firstAudioSeen
		a.firstAudioSeen = true
		ttfb := a.clock().Sub(a.responseStartTime)
		a.mu.Unlock()
		if first {
			a.handler.OnFirstAudioReady(ttfb)
		}
		a.handler.OnAudio(chunk)

	case "response.audio_transcript.delta":
		a.handler.OnTranscript(event.Delta, false)

	case "response.audio_transcript.done":
		a.handler.OnTranscript(event.Transcript, true)

	case "conversation.item.input_audio_transcription.completed":
		a.mu.Lock()
		if a.pendingUserTranscript.Len() > 0 {
			a.pendingUserTranscript.WriteString(" ")
		}
		a.pendingUserTranscript.WriteString(event.Transcript)
		a.mu.Unlock()
		a.handler.OnUserTranscript(event.Transcript, true)

	case "response.done":
		a.mu.Lock()
		a.responding = false
		ttfb := time.Duration(0)
		if a.firstAudioSeen {
			ttfb = a.clock().Sub(a.responseStartTime)
		}
		a.mu.Unlock()
		a.handler.OnResponseEnd(ttfb)

	case "error":
		message := "upstream error"
		if event.Error != nil {
			message = event.Error.Message
		}
		a.mu.Lock()
		a.responding = false
		a.bufferedBytes = 0
		a.mu.Unlock()
		a.handler.OnError(fmt.Errorf("%s", message))

	default:
		a.logger.Debugw("unhandled upstream event", "type", event.Type)
	}
}

// onCommitConfirmed requests the response for a confirmed commit,
// enriched with the RAG instructions built from the accumulated user
// transcript.
func (a *realtimeAdapter) onCommitConfirmed() {
	a.mu.Lock()
	if !a.pendingCommit {
		a.mu.Unlock()
		return
	}
	a.pendingCommit = false
	alreadyResponding := a.responding
	transcript := a.pendingUserTranscript.String()
	a.pendingUserTranscript.Reset()
	a.bufferedBytes = 0
	provider := a.instructionsProvider
	a.mu.Unlock()

	if alreadyResponding {
		return
	}

	response := map[string]interface{}{}
	if provider != nil {
		if instructions := provider(transcript); instructions != "" {
			response["instructions"] = instructions
		}
	}
	raw, err := json.Marshal(response)
	if err != nil {
		a.logger.Errorf("failed to marshal response.create: %v", err)
		return
	}
	a.enqueue(wireEvent{Type: "response.create", Response: raw})
}
