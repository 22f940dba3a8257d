// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_admission "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/admission"
	internal_arbitrator "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/arbitrator"
	internal_events "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/events"
	internal_history "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/history"
	internal_lanes "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/lanes"
	internal_policy "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/policy"
	internal_ragcontext "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/ragcontext"
	internal_upstream "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/upstream"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
	"github.com/rapidaai/voice-orchestrator/pkg/utils"
)

const (
	// writeChannelSize bounds outbound client messages; sends are skipped
	// with a warning when the writer cannot keep up.
	writeChannelSize = 256

	// pendingLaneBLimit bounds reasoning audio buffered between
	// b_first_audio_ready and the play_lane_b grant.
	pendingLaneBLimit = 128

	// DefaultSampleRate is the client wire default.
	DefaultSampleRate = 24000
)

// Deps are the per-session collaborators built by the session factory.
type Deps struct {
	Logger     commons.Logger
	Arbitrator *internal_arbitrator.Arbitrator
	Gate       *internal_admission.Gate
	Adapter    internal_upstream.Adapter
	Control    *internal_policy.ControlEngine
	Redactor   *internal_policy.PIIRedactor
	RAG        *internal_ragcontext.Builder
	Reflex     *internal_lanes.ReflexEngine
	Fallback   *internal_lanes.FallbackPlayer
	Bus        *internal_events.Bus
	History    internal_history.Store
}

// Session owns one client connection and everything that arbitrates its
// speaker. Client message handling runs on the read pump goroutine, so all
// dispatch is naturally serialized; the writer goroutine serializes every
// outbound message.
type Session struct {
	ID      string
	logger  commons.Logger
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeCh chan ServerMessage

	arb      *internal_arbitrator.Arbitrator
	gate     *internal_admission.Gate
	adapter  internal_upstream.Adapter
	control  *internal_policy.ControlEngine
	redactor *internal_policy.PIIRedactor
	rag      *internal_ragcontext.Builder
	reflex   *internal_lanes.ReflexEngine
	fallback *internal_lanes.FallbackPlayer
	bus      *internal_events.Bus
	history  internal_history.Store

	mu              sync.Mutex
	createdAt       time.Time
	lastActivity    time.Time
	voiceMode       internal_upstream.VoiceMode
	fingerprint     string
	metadata        map[string]interface{}
	escalatePending bool
	started         bool
	ended           bool
	endedAt         time.Time

	// Lane B audio is buffered until the arbitrator grants playback.
	laneBGranted bool
	pendingLaneB [][]byte
}

// New wires a session around an accepted client websocket. An arbitrator
// passed in deps must have been constructed with this session's Emit as its
// signal callback; Factory.Create instead builds the arbitrator after New
// and assigns it to the session directly.
func New(id string, conn *websocket.Conn, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		logger:       deps.Logger,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		writeCh:      make(chan ServerMessage, writeChannelSize),
		arb:          deps.Arbitrator,
		gate:         deps.Gate,
		adapter:      deps.Adapter,
		control:      deps.Control,
		redactor:     deps.Redactor,
		rag:          deps.RAG,
		reflex:       deps.Reflex,
		fallback:     deps.Fallback,
		bus:          deps.Bus,
		history:      deps.History,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		voiceMode:    internal_upstream.VoiceModePushToTalk,
		metadata:     map[string]interface{}{},
	}
	return s
}

// Run drives the read and write pumps until the connection drops or the
// session ends. It blocks the caller (the HTTP handler goroutine).
func (s *Session) Run() {
	utils.Go(s.ctx, s.writePump)
	s.readPump()
	s.End("connection_closed")
}

// ============================================================================
// Read pump + dispatch
// ============================================================================

func (s *Session) readPump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugf("client connection closed: session=%s", s.ID)
			} else {
				s.logger.Debugf("client read error: session=%s err=%v", s.ID, err)
			}
			return
		}

		var message ClientMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			// Malformed JSON gets an error reply but never a disconnect.
			s.send(ServerMessage{Type: ServerError, Error: err.Error()})
			continue
		}
		s.dispatch(message)
	}
}

func (s *Session) dispatch(message ClientMessage) {
	switch message.Type {
	case ClientSessionStart:
		s.handleSessionStart(message)
	case ClientSessionSetMode:
		s.handleSetMode(message)
	case ClientAudioChunk:
		s.handleAudioChunk(message)
	case ClientAudioStop:
		s.handleAudioStop(ServerAudioStopAck)
	case ClientAudioCancel:
		s.handleAudioStop(ServerAudioCancelAck)
	case ClientAudioCommit:
		s.handleAudioCommit()
	case ClientPlaybackEnded:
		s.gate.MarkPlaybackEnded()
	case ClientUserBargeIn:
		s.handleBargeIn()
	case ClientSessionEnd:
		s.End("client_request")
	default:
		// Unknown types are tolerated: warn, keep the connection.
		s.logger.Warnw("unknown client message type",
			"session", s.ID, "type", string(message.Type))
	}
}

func (s *Session) handleSessionStart(message ClientMessage) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warnw("duplicate session.start ignored", "session", s.ID)
		return
	}
	s.started = true
	s.fingerprint = message.Fingerprint
	if message.UserAgent != "" {
		s.metadata["userAgent"] = message.UserAgent
	}
	if mode, ok := internal_upstream.ParseVoiceMode(message.VoiceMode); ok {
		s.voiceMode = mode
	}
	mode := s.voiceMode
	s.mu.Unlock()

	s.gate.Unlatch()

	if err := s.adapter.Connect(s.ctx, s.ID); err != nil {
		s.logger.Errorf("failed to connect upstream for session %s: %v", s.ID, err)
		s.send(ServerMessage{Type: ServerError, Error: "upstream unavailable"})
		return
	}
	s.adapter.SetVoiceMode(mode)
	s.adapter.SetConversationContext("You are the NextGen AI voice assistant. Keep spoken answers brief and conversational.")
	s.adapter.SetResponseInstructionsProvider(s.rag.BuildInstructions)

	s.arb.StartSession()

	previousCount := s.lookupPreviousSessions(message.Fingerprint)
	s.persistSessionRow(message)

	s.send(ServerMessage{Type: ServerSessionReady, SessionID: s.ID})
	s.send(ServerMessage{
		Type:                 ServerProviderReady,
		IsReturningUser:      previousCount > 0,
		PreviousSessionCount: previousCount,
		VoiceMode:            string(mode),
	})
	s.bus.Publish("session", "session.started", map[string]interface{}{
		"voiceMode": string(mode),
	})
}

func (s *Session) handleSetMode(message ClientMessage) {
	mode, ok := internal_upstream.ParseVoiceMode(message.VoiceMode)
	if !ok {
		s.logger.Warnw("invalid voice mode ignored",
			"session", s.ID, "mode", message.VoiceMode)
		return
	}
	s.mu.Lock()
	s.voiceMode = mode
	s.mu.Unlock()

	s.adapter.SetVoiceMode(mode)
	s.send(ServerMessage{Type: ServerModeChanged, VoiceMode: string(mode)})
}

func (s *Session) handleAudioChunk(message ClientMessage) {
	chunk, err := base64.StdEncoding.DecodeString(message.Data)
	if err != nil {
		s.logger.Debugf("undecodable audio chunk: session=%s err=%v", s.ID, err)
		return
	}

	// Admission drops are silent by contract.
	if admitted, _ := s.gate.Admit(chunk, s.arb.State(), s.adapter.IsConnected()); !admitted {
		return
	}

	s.adapter.SendAudio(chunk)
	s.touch()
}

// handleAudioStop covers audio.stop and audio.cancel, which differ only in
// the acknowledgement type.
func (s *Session) handleAudioStop(ack ServerMessageType) {
	s.gate.LatchStop()
	s.adapter.ClearInputBuffer()
	if s.adapter.IsResponding() {
		s.adapter.Cancel()
	}
	switch s.arb.State() {
	case internal_arbitrator.StateBResponding, internal_arbitrator.StateBPlaying:
		s.arb.ResetResponseInProgress()
	}
	s.send(ServerMessage{Type: ack})
}

func (s *Session) handleAudioCommit() {
	s.gate.LatchStop()
	if s.arb.State() == internal_arbitrator.StateListening {
		s.arb.OnUserSpeechEnded()
	}

	if s.adapter.CommitAudio() {
		s.touch()
		return
	}

	// Buffer too small: reset the cycle, reopen the mic and tell the
	// client there is nothing to respond to.
	s.arb.ResetResponseInProgress()
	s.gate.Unlatch()
	s.send(ServerMessage{Type: ServerCommitSkipped, Reason: "buffer_too_small"})
}

func (s *Session) handleBargeIn() {
	s.gate.Unlatch()
	s.arb.OnUserBargeIn()
	s.send(ServerMessage{Type: ServerBargeInAck})
}

// ============================================================================
// Arbitrator signals
// ============================================================================

// Emit is the arbitrator's signal callback. Signals arrive in production
// order; handlers here must stay non-blocking.
func (s *Session) Emit(signal internal_arbitrator.Signal) {
	switch signal.Kind {
	case internal_arbitrator.SignalStateChange:
		s.send(ServerMessage{
			Type:  ServerLaneStateChanged,
			From:  signal.FromState.String(),
			To:    signal.ToState.String(),
			Cause: signal.Cause,
		})

	case internal_arbitrator.SignalOwnerChange:
		s.send(ServerMessage{
			Type:  ServerLaneOwnerChanged,
			From:  signal.FromOwner.String(),
			To:    signal.ToOwner.String(),
			Cause: signal.Cause,
		})

	case internal_arbitrator.SignalPlayReflex:
		s.reflex.Play()

	case internal_arbitrator.SignalStopReflex:
		s.reflex.Stop()

	case internal_arbitrator.SignalPlayLaneB:
		s.grantLaneB()

	case internal_arbitrator.SignalStopLaneB:
		s.revokeLaneB()

	case internal_arbitrator.SignalPlayFallback:
		s.mu.Lock()
		escalate := s.escalatePending
		s.escalatePending = false
		s.mu.Unlock()
		s.fallback.Play(escalate, s.arb.OnFallbackComplete)

	case internal_arbitrator.SignalStopFallback:
		s.fallback.Stop()

	case internal_arbitrator.SignalResponseComplete:
		s.gate.MarkResponseEnded()
		s.bus.Publish("arbitrator", "response.complete", map[string]interface{}{
			"cause": signal.Cause,
		})
	}
}

func (s *Session) grantLaneB() {
	s.mu.Lock()
	s.laneBGranted = true
	pending := s.pendingLaneB
	s.pendingLaneB = nil
	s.mu.Unlock()

	for _, chunk := range pending {
		s.sendLaneAudio("reasoning", chunk)
	}
}

func (s *Session) revokeLaneB() {
	s.mu.Lock()
	s.laneBGranted = false
	s.pendingLaneB = nil
	s.mu.Unlock()
}

// ============================================================================
// Upstream handler (Lane B events)
// ============================================================================

// UpstreamHandler adapts the session to the upstream event interface.
// Split into its own type so the adapter cannot reach session internals.
type UpstreamHandler struct {
	s *Session
}

// NewUpstreamHandler exposes the session as an upstream event handler.
func NewUpstreamHandler(s *Session) *UpstreamHandler {
	return &UpstreamHandler{s: s}
}

func (h *UpstreamHandler) OnSpeechStarted() {
	h.s.send(ServerMessage{Type: ServerSpeechStarted})
}

// OnSpeechStopped only informs the client. The admission-gate commit path
// is the authoritative speech-end signal; driving the arbitrator from here
// as well would race a cycle already in progress.
func (h *UpstreamHandler) OnSpeechStopped() {
	h.s.send(ServerMessage{Type: ServerSpeechStopped})
}

func (h *UpstreamHandler) OnResponseStart() {
	h.s.send(ServerMessage{Type: ServerResponseStart})
}

func (h *UpstreamHandler) OnResponseEnd(ttfb time.Duration) {
	h.s.send(ServerMessage{Type: ServerResponseEnd, TTFBMs: ttfb.Milliseconds()})
	h.s.arb.OnLaneBDone()
}

func (h *UpstreamHandler) OnFirstAudioReady(ttfb time.Duration) {
	h.s.logger.Debugw("lane b first audio", "session", h.s.ID, "ttfbMs", ttfb.Milliseconds())
	h.s.arb.OnLaneBReady()
}

func (h *UpstreamHandler) OnAudio(chunk []byte) {
	s := h.s
	s.mu.Lock()
	granted := s.laneBGranted
	if !granted {
		if len(s.pendingLaneB) < pendingLaneBLimit {
			buffered := make([]byte, len(chunk))
			copy(buffered, chunk)
			s.pendingLaneB = append(s.pendingLaneB, buffered)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendLaneAudio("reasoning", chunk)
}

func (h *UpstreamHandler) OnTranscript(text string, isFinal bool) {
	if !isFinal {
		h.s.send(ServerMessage{
			Type:      ServerTranscript,
			Text:      text,
			IsFinal:   false,
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	h.s.handleAssistantFinal(text)
}

func (h *UpstreamHandler) OnUserTranscript(text string, isFinal bool) {
	h.s.handleUserTranscript(text, isFinal)
}

func (h *UpstreamHandler) OnError(err error) {
	h.s.logger.Errorw("upstream error", "session", h.s.ID, "error", err)
	h.s.send(ServerMessage{Type: ServerError, Error: err.Error()})
}

// ============================================================================
// Governance on transcripts
// ============================================================================

// handleAssistantFinal runs the policy gate on the final assistant
// transcript and applies the binding decision: cancellation, rewrite,
// suppression, and disclaimer appending.
func (s *Session) handleAssistantFinal(text string) {
	result := s.control.Evaluate(internal_policy.Context{
		SessionID: s.ID,
		Role:      internal_policy.RoleAssistant,
		Text:      text,
		IsFinal:   true,
		Metadata:  s.snapshotMetadata(),
	})

	switch result.Decision {
	case internal_policy.DecisionCancelOutput:
		s.mu.Lock()
		s.escalatePending = result.Overridden && result.OverriddenFrom == internal_policy.DecisionEscalate
		s.mu.Unlock()
		s.adapter.Cancel()
		s.arb.OnPolicyCancel()
		return

	case internal_policy.DecisionRefuse, internal_policy.DecisionEscalate:
		// Below the cancel threshold the transcript is suppressed; audio
		// already played is not recalled.
		s.logger.Warnw("assistant transcript suppressed by policy",
			"session", s.ID,
			"decision", result.Decision.String(),
			"reasons", result.ReasonCodes)
		return

	case internal_policy.DecisionRewrite:
		if result.SafeRewrite != "" {
			text = result.SafeRewrite
		}
	}

	s.rag.RequireDisclaimer(result.RequiredDisclaimerID)
	for _, disclaimer := range s.rag.ConsumeDisclaimers() {
		text = text + " " + disclaimer
	}

	s.send(ServerMessage{
		Type:       ServerTranscript,
		Text:       text,
		Confidence: 1.0,
		IsFinal:    true,
		Timestamp:  time.Now().UnixMilli(),
	})
	s.persistTranscript("assistant", text, 1.0)
}

// handleUserTranscript gates user text: a policy rewrite (PII redaction in
// redact mode) replaces the text before it is shown, and the stored copy is
// always PII-redacted.
func (s *Session) handleUserTranscript(text string, isFinal bool) {
	result := s.control.Evaluate(internal_policy.Context{
		SessionID: s.ID,
		Role:      internal_policy.RoleUser,
		Text:      text,
		IsFinal:   isFinal,
	})
	display := text
	if result.Decision == internal_policy.DecisionRewrite && result.SafeRewrite != "" {
		display = result.SafeRewrite
	}

	s.send(ServerMessage{
		Type:      ServerUserTranscript,
		Text:      display,
		IsFinal:   isFinal,
		Timestamp: time.Now().UnixMilli(),
	})
	if isFinal {
		s.persistTranscript("user", display, 1.0)
	}
}

// ============================================================================
// Lane audio sink
// ============================================================================

// WriteLaneAudio implements the lanes sink: paced reflex/fallback PCM goes
// straight to the client writer.
func (s *Session) WriteLaneAudio(lane string, chunk []byte) {
	s.sendLaneAudio(lane, chunk)
}

// WriteLaneTranscript surfaces what a canned lane is about to say.
func (s *Session) WriteLaneTranscript(lane string, text string) {
	s.send(ServerMessage{
		Type:      ServerTranscript,
		Text:      text,
		Lane:      lane,
		IsFinal:   true,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Session) sendLaneAudio(lane string, chunk []byte) {
	s.send(ServerMessage{
		Type:       ServerAudioChunk,
		Data:       base64.StdEncoding.EncodeToString(chunk),
		Format:     "pcm16",
		SampleRate: DefaultSampleRate,
		Lane:       lane,
	})
}

// ============================================================================
// Writer
// ============================================================================

// send enqueues an outbound message, dropping with a warning when the
// writer is saturated or the session has ended.
func (s *Session) send(message ServerMessage) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.writeCh <- message:
	default:
		s.logger.Warnw("client write channel full, dropping message",
			"session", s.ID, "type", string(message.Type))
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case message := <-s.writeCh:
			raw, err := message.Encode()
			if err != nil {
				s.logger.Errorf("failed to encode server message: %v", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Debugf("client write failed: session=%s err=%v", s.ID, err)
				return
			}
		}
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// End tears the session down. Idempotent; safe from any goroutine.
func (s *Session) End(cause string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endedAt = time.Now()
	s.mu.Unlock()

	arbMetrics := s.arb.GetMetrics()
	gateMetrics := s.gate.GetMetrics()
	s.logger.Infow("ending session",
		"session", s.ID,
		"cause", cause,
		"responseCycles", arbMetrics.ResponseCycles,
		"reflexPlays", arbMetrics.ReflexPlays,
		"preemptions", arbMetrics.Preemptions,
		"bargeIns", arbMetrics.BargeIns,
		"policyCancels", arbMetrics.PolicyCancels,
		"lastBReadyLatency", arbMetrics.LastBReadyLatency.String(),
		"chunksAdmitted", gateMetrics.Admitted,
		"policyEvaluations", s.control.Metrics().Evaluations)

	s.arb.EndSession()
	s.reflex.Stop()
	s.fallback.Stop()
	if err := s.adapter.Disconnect(); err != nil {
		s.logger.Debugf("upstream disconnect: %v", err)
	}

	if s.history != nil {
		sessionID := s.ID
		store := s.history
		utils.Go(context.Background(), func() {
			ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			if err := store.CompleteSession(ctx, sessionID); err != nil {
				s.logger.Warnw("failed to complete session row", "session", sessionID, "error", err)
			}
		})
	}

	s.bus.Publish("session", "session.ended", map[string]interface{}{"cause": cause})
	s.bus.Close()
	s.cancel()
	_ = s.conn.Close()
}

// Ended reports whether End has run, and when.
func (s *Session) Ended() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.endedAt
}

// LastActivity returns the idle-timeout anchor.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) snapshotMetadata() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		snapshot[k] = v
	}
	return snapshot
}

// ============================================================================
// Persistence helpers
// ============================================================================

func (s *Session) lookupPreviousSessions(fingerprint string) int {
	if s.history == nil || fingerprint == "" {
		return 0
	}
	ctx, cancelFn := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancelFn()
	count, err := s.history.CountByFingerprint(ctx, fingerprint)
	if err != nil {
		s.logger.Warnw("failed to count previous sessions", "session", s.ID, "error", err)
		return 0
	}
	return int(count)
}

func (s *Session) persistSessionRow(message ClientMessage) {
	if s.history == nil {
		return
	}
	record := &internal_history.SessionRecord{
		SessionID:   s.ID,
		Fingerprint: message.Fingerprint,
		UserAgent:   message.UserAgent,
		VoiceMode:   string(s.voiceMode),
		Status:      internal_history.StatusActive,
	}
	store := s.history
	utils.Go(s.ctx, func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := store.SaveSession(ctx, record); err != nil {
			s.logger.Warnw("failed to save session row", "session", s.ID, "error", err)
		}
	})
}

// persistTranscript stores a final transcript segment, redacting PII
// before anything reaches the database.
func (s *Session) persistTranscript(role, text string, confidence float64) {
	if s.history == nil {
		return
	}
	redacted := text
	if s.redactor != nil {
		redacted, _ = s.redactor.RedactText(text)
	}
	record := &internal_history.TranscriptRecord{
		SessionID:  s.ID,
		Role:       role,
		Text:       redacted,
		Confidence: confidence,
	}
	store := s.history
	utils.Go(context.Background(), func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := store.SaveTranscript(ctx, record); err != nil {
			s.logger.Warnw("failed to save transcript", "session", s.ID, "error", err)
		}
	})
}
