// Package pipeline implements the Orchestrator: the thin per-session
// dispatcher that wires client envelopes to the STT, LLM, and TTS engines
// and their responses back to the Transport Hub. It holds no audio data
// itself.
//
// Grounded on the reference gateway's pipeline.go runFullPipeline/
// streamLLMWithTTS for the overall ASR→LLM→chunker→TTS wiring shape, and on
// team-hashing-lokutor-orchestrator's orchestrator.go ProcessAudioStream for
// the error-wrapping/cascade-teardown idiom (spec.md §4.8, §7).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/audio"
	"github.com/voicegateway/voicegateway/internal/chunker"
	"github.com/voicegateway/voicegateway/internal/config"
	"github.com/voicegateway/voicegateway/internal/envelope"
	"github.com/voicegateway/voicegateway/internal/llm"
	"github.com/voicegateway/voicegateway/internal/provider"
	"github.com/voicegateway/voicegateway/internal/session"
	"github.com/voicegateway/voicegateway/internal/stt"
	"github.com/voicegateway/voicegateway/internal/transport"
	"github.com/voicegateway/voicegateway/internal/tts"
)

const (
	upstreamSTTRate = 16_000
	teardownTimeout = 5 * time.Second
)

// Wire event types (spec.md §6.1).
const (
	evAudioInputStart = "audio.input.start"
	evAudioInputChunk = "audio.input.chunk"
	evAudioInputEnd   = "audio.input.end"

	evLifecycleAck    = "connection.lifecycle.ack"
	evTranscriptPart  = "transcript.interim"
	evTranscriptFinal = "transcript.final"
	evAudioOutStart   = "audio.output.start"
	evAudioOutChunk   = "audio.output.chunk"
	evAudioOutDone    = "audio.output.complete"
	evErrorSystem     = "error.system.internal"
)

type startPayload struct {
	SamplingRate int    `json:"samplingRate"`
	Language     string `json:"language"`
	VoiceID      string `json:"voiceId,omitempty"`
}

type chunkPayload struct {
	Audio []byte `json:"audio"`
}

type ackPayload struct {
	SessionID string `json:"sessionId"`
}

type transcriptPayload struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

type audioStartPayload struct {
	UtteranceID string `json:"utteranceId"`
}

type audioChunkPayload struct {
	Audio       []byte `json:"audio"`
	UtteranceID string `json:"utteranceId"`
	SampleRate  int    `json:"sampleRate"`
}

type audioCompletePayload struct {
	UtteranceID string `json:"utteranceId"`
}

type errorPayload struct {
	Message          string `json:"message"`
	RequestEventType string `json:"requestEventType"`
}

type turnContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator is the per-connection dispatcher (spec.md §4.8). One
// Orchestrator serves every session; per-session state lives in the
// Session Registry and in the engines it drives.
type Orchestrator struct {
	registry *session.Registry
	hub      *transport.Hub
	stt      *stt.Engine
	llm      *llm.Engine
	tts      *tts.Engine
	tuning   config.Tuning
	voice    provider.SynthesizerOptions

	mu    sync.Mutex
	turns map[uuid.UUID]turnContext
}

// NewOrchestrator builds the dispatcher and its Session Registry (wired with
// a teardown callback that cascades to the engines). The engines themselves
// are supplied afterward via SetEngines: the LLM Engine's constructor needs
// this Orchestrator's ChunkerFor/FallbackFor as closures, which in turn read
// o.tts — so the engines cannot exist before the Orchestrator they close
// over, and the Orchestrator cannot drive the engines before they exist.
// Two-phase construction breaks the cycle; SetEngines must run before any
// traffic is dispatched.
func NewOrchestrator(hub *transport.Hub, tuning config.Tuning, voice provider.SynthesizerOptions) *Orchestrator {
	o := &Orchestrator{
		hub:    hub,
		tuning: tuning,
		voice:  voice,
		turns:  make(map[uuid.UUID]turnContext),
	}
	o.registry = session.NewRegistry(tuning.STTSessionMax, tuning.STTInactivityMax, o.teardownSession)
	return o
}

// SetEngines completes wiring. Call once, before accepting connections.
func (o *Orchestrator) SetEngines(sttEngine *stt.Engine, llmEngine *llm.Engine, ttsEngine *tts.Engine) {
	o.stt = sttEngine
	o.llm = llmEngine
	o.tts = ttsEngine
}

// Registry exposes the Session Registry so the transport server can look up
// sessions by connection and trigger disconnect teardown.
func (o *Orchestrator) Registry() *session.Registry { return o.registry }

// OnConnect registers a new IDLE session for a freshly-accepted connection
// and sends the lifecycle ack. The ack must precede every other server frame
// (spec.md §6.1), and audio.input.start can arrive only while a session is
// IDLE (spec.md §6.1) — so the session has to exist before the first client
// frame does, not after it. conn.ID() is the connection-accept-time id the
// Transport server minted and registered with the Hub; it becomes the
// session id too, so Hub sends and registry lookups share one key.
func (o *Orchestrator) OnConnect(conn session.Conn) error {
	connID, err := uuid.Parse(conn.ID())
	if err != nil {
		return fmt.Errorf("orchestrator: connection id %q is not a uuid: %w", conn.ID(), err)
	}
	sess := o.registry.CreateWithID(connID, conn, 0, "")
	o.sendJSON(sess.ID, evLifecycleAck, ackPayload{SessionID: sess.ID.String()})
	return nil
}

// HandleFrame decodes one client envelope and dispatches it (spec.md §4.8).
func (o *Orchestrator) HandleFrame(ctx context.Context, conn session.Conn, raw []byte) error {
	env, err := envelope.Decode(raw)
	if err != nil {
		return fmt.Errorf("orchestrator: decode envelope: %w", err)
	}

	switch env.EventType {
	case evAudioInputStart:
		return o.handleStart(ctx, conn, env)
	case evAudioInputChunk:
		return o.handleChunk(env)
	case evAudioInputEnd:
		return o.handleEnd(env)
	default:
		slog.Warn("orchestrator: unknown event type", "event_type", env.EventType)
		return nil
	}
}

func (o *Orchestrator) handleStart(ctx context.Context, conn session.Conn, env envelope.Envelope) error {
	sess, ok := o.registry.GetByConnection(conn)
	if !ok {
		slog.Warn("orchestrator: audio.input.start on a connection with no registered session")
		return nil
	}
	if sess.State() != session.StateIdle {
		slog.Warn("orchestrator: audio.input.start while session is not IDLE", "session_id", sess.ID)
		return nil
	}

	var payload startPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("orchestrator: decode start payload: %w", err)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.turns[sess.ID] = turnContext{ctx: turnCtx, cancel: cancel}
	o.mu.Unlock()

	voice := o.voice
	if payload.VoiceID != "" {
		voice.Voice = payload.VoiceID
	}

	var sttErr, ttsErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sttErr = o.stt.CreateSession(ctx, sess.ID, payload.SamplingRate, payload.Language)
	}()
	go func() {
		defer wg.Done()
		ttsErr = o.tts.CreateSession(ctx, sess.ID, payload.SamplingRate, voice)
	}()
	wg.Wait()

	if sttErr != nil || ttsErr != nil {
		o.sendError(sess.ID, "failed to initialize upstream providers", evAudioInputStart)
		o.registry.Delete(sess.ID, "init_failure")
		return fmt.Errorf("orchestrator: session init failed: stt=%v tts=%v", sttErr, ttsErr)
	}

	sess.Activate(payload.SamplingRate, payload.Language)
	return nil
}

func (o *Orchestrator) handleChunk(env envelope.Envelope) error {
	sess, ok := o.registry.Get(env.SessionID)
	if !ok {
		return nil
	}
	if sess.State() != session.StateActive {
		slog.Warn("orchestrator: audio.input.chunk dropped, session not ACTIVE", "session_id", env.SessionID)
		return nil
	}
	var payload chunkPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("orchestrator: decode chunk payload: %w", err)
	}
	sess.Touch()
	resampled := audio.Resample(payload.Audio, sess.SampleRate, upstreamSTTRate)
	o.stt.ForwardChunk(env.SessionID, resampled)
	return nil
}

func (o *Orchestrator) handleEnd(env envelope.Envelope) error {
	sess, ok := o.registry.Get(env.SessionID)
	if !ok {
		return nil
	}
	if sess.State() != session.StateActive {
		return nil
	}
	sess.Touch()

	transcript := o.stt.EndSession(context.Background(), env.SessionID)
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	o.mu.Lock()
	turn, ok := o.turns[env.SessionID]
	o.mu.Unlock()
	turnCtx := context.Background()
	if ok {
		turnCtx = turn.ctx
	}

	o.llm.GenerateResponse(turnCtx, env.SessionID, transcript)
	return nil
}

// OnDisconnect cascades teardown for a client-initiated close (spec.md §4.8,
// §5 Cancellation).
func (o *Orchestrator) OnDisconnect(conn session.Conn) {
	sess, ok := o.registry.GetByConnection(conn)
	if !ok {
		return
	}
	o.registry.Delete(sess.ID, "disconnect")
}

// teardownSession is the Session Registry's TeardownFunc: invoked exactly
// once per deletion, regardless of whether it came from disconnect, sweep,
// or supervisor shutdown.
func (o *Orchestrator) teardownSession(sessionID uuid.UUID) {
	o.mu.Lock()
	turn, ok := o.turns[sessionID]
	delete(o.turns, sessionID)
	o.mu.Unlock()
	if ok {
		turn.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	o.stt.EndSession(ctx, sessionID)
	o.tts.EndSession(ctx, sessionID)
	o.llm.EndSession(sessionID)
	o.hub.Close(sessionID)
	o.hub.Remove(sessionID)
}

// Interim satisfies stt.TranscriptSink.
func (o *Orchestrator) Interim(sessionID uuid.UUID, text string, confidence float64) {
	o.sendJSON(sessionID, evTranscriptPart, transcriptPayload{Text: text, Confidence: confidence, Timestamp: time.Now()})
}

// Final satisfies stt.TranscriptSink.
func (o *Orchestrator) Final(sessionID uuid.UUID, text string, confidence float64) {
	o.sendJSON(sessionID, evTranscriptFinal, transcriptPayload{Text: text, Confidence: confidence, Timestamp: time.Now()})
}

// Start satisfies tts.FrameSink.
func (o *Orchestrator) Start(sessionID uuid.UUID, utteranceID string) {
	o.sendJSON(sessionID, evAudioOutStart, audioStartPayload{UtteranceID: utteranceID})
}

// Chunk satisfies tts.FrameSink.
func (o *Orchestrator) Chunk(sessionID uuid.UUID, utteranceID string, pcm16 []byte) {
	rate := 0
	if sess, ok := o.registry.Get(sessionID); ok {
		rate = sess.SampleRate
	}
	o.sendJSON(sessionID, evAudioOutChunk, audioChunkPayload{Audio: pcm16, UtteranceID: utteranceID, SampleRate: rate})
}

// Complete satisfies tts.FrameSink.
func (o *Orchestrator) Complete(sessionID uuid.UUID, utteranceID string) {
	o.sendJSON(sessionID, evAudioOutDone, audioCompletePayload{UtteranceID: utteranceID})
}

// ChunkerFor builds a fresh Semantic Chunker for one LLM turn, wired to
// dispatch to this session's TTS Engine (spec.md §4.6.2 step 4, §4.7).
func (o *Orchestrator) ChunkerFor(sessionID uuid.UUID) llm.ChunkSink {
	o.mu.Lock()
	turn, ok := o.turns[sessionID]
	o.mu.Unlock()
	ctx := context.Background()
	if ok {
		ctx = turn.ctx
	}
	return chunker.New(ctx, o.tuning.StreamingBreakMarker, o.tuning.StreamingMaxBufferSize, o.tuning.StreamingSequentialTTS, &ttsAdapter{engine: o.tts, sessionID: sessionID})
}

// FallbackFor satisfies the LLM Engine's need for a bypass-the-chunker sink
// for the 3-tier fallback policy (spec.md §4.6.3).
func (o *Orchestrator) FallbackFor(sessionID uuid.UUID) llm.FallbackSink {
	return &ttsAdapter{engine: o.tts, sessionID: sessionID}
}

func (o *Orchestrator) sendError(sessionID uuid.UUID, message, requestEventType string) {
	o.sendJSON(sessionID, evErrorSystem, errorPayload{Message: message, RequestEventType: requestEventType})
}

func (o *Orchestrator) sendJSON(sessionID uuid.UUID, eventType string, payload any) {
	env, err := envelope.New(eventType, sessionID, payload)
	if err != nil {
		slog.Error("orchestrator: build envelope failed", "event_type", eventType, "error", err)
		return
	}
	data, err := envelope.Encode(env)
	if err != nil {
		slog.Error("orchestrator: encode envelope failed", "event_type", eventType, "error", err)
		return
	}
	o.hub.Send(sessionID, transport.Frame{
		MessageType: websocket.BinaryMessage,
		Data:        data,
		Droppable:   eventType == evAudioOutChunk,
	})
}

// ttsAdapter bridges the TTS Engine's blocking Synthesize call to the
// interfaces the LLM Engine and Semantic Chunker depend on, so neither
// package needs to know about tts.Engine directly.
type ttsAdapter struct {
	engine    *tts.Engine
	sessionID uuid.UUID
}

func (a *ttsAdapter) Synthesize(ctx context.Context, text string) error {
	_, err := a.engine.Synthesize(ctx, a.sessionID, text)
	return err
}

func (a *ttsAdapter) SpeakFallback(ctx context.Context, text string) {
	if _, err := a.engine.Synthesize(ctx, a.sessionID, text); err != nil {
		slog.Warn("orchestrator: fallback synthesis failed", "session_id", a.sessionID, "error", err)
	}
}
