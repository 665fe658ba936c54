// Package stt implements the STT Engine: one upstream streaming connection
// per session, PCM16 chunk forwarding, transcript accumulation, and
// transparent reconnection.
//
// Grounded on the streaming deepgram-style client in the example pack for
// the connection lifecycle (dial, receive loop, keep-alive, reconnect), and
// on the reference gateway's ambient slog/metrics idiom.
package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/voicegateway/voicegateway/internal/metrics"
	"github.com/voicegateway/voicegateway/internal/provider"
)

// ConnState is the STTSession connection state (spec.md §3.2).
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateError
)

// TranscriptSink receives transcript.interim / transcript.final events to
// forward to the client, and is supplied by the Orchestrator.
type TranscriptSink interface {
	Interim(sessionID uuid.UUID, text string, confidence float64)
	Final(sessionID uuid.UUID, text string, confidence float64)
}

// defaultMaxTranscriptBytes is used when an Engine is built without an
// explicit cap (e.g. in tests); production wiring passes
// config.Tuning.STTMaxTranscriptB via NewEngine.
const defaultMaxTranscriptBytes = 50_000

// session is the per-session STT state (spec.md §3.2), private to the engine.
type session struct {
	mu sync.Mutex

	id        uuid.UUID
	transcr   provider.StreamingTranscriber
	opts      provider.TranscriberOptions
	connState ConnState

	accumulated strings.Builder
	interim     string

	chunksForwarded  int
	reconnectAttempt int
}

// Engine manages one StreamingTranscriber session per sessionId.
type Engine struct {
	factory            func() provider.StreamingTranscriber
	sink               TranscriptSink
	maxTranscriptBytes int

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewEngine builds an Engine. factory constructs a fresh upstream client for
// each new session (so each session owns exactly one connection, never
// shared, per spec.md §5). maxTranscriptBytes is stt.maxTranscriptBytes
// (spec.md §6.3); a value <= 0 falls back to defaultMaxTranscriptBytes.
func NewEngine(factory func() provider.StreamingTranscriber, sink TranscriptSink, maxTranscriptBytes int) *Engine {
	if maxTranscriptBytes <= 0 {
		maxTranscriptBytes = defaultMaxTranscriptBytes
	}
	return &Engine{
		factory:            factory,
		sink:               sink,
		maxTranscriptBytes: maxTranscriptBytes,
		sessions:           make(map[uuid.UUID]*session),
	}
}

// CreateSession establishes the upstream connection for sessionId, retrying
// on the hybrid initial-connect schedule. Fatal errors (auth/permission)
// propagate immediately without retry.
func (e *Engine) CreateSession(ctx context.Context, sessionID uuid.UUID, sampleRate int, language string) error {
	opts := provider.TranscriberOptions{
		Language:       language,
		SampleRate:     sampleRate,
		Encoding:       "pcm_s16le",
		Channels:       1,
		SmartFormat:    true,
		InterimResults: true,
	}
	sess := &session{id: sessionID, transcr: e.factory(), opts: opts, connState: StateConnecting}

	retrier := provider.NewRetrier(provider.InitialConnectSchedule)
	err := retrier.Do(ctx, func(ctx context.Context) error {
		return sess.transcr.Connect(ctx, opts)
	})
	if err != nil {
		metrics.Errors.WithLabelValues("stt", classifyKind(err).String()).Inc()
		return err
	}

	sess.mu.Lock()
	sess.connState = StateConnected
	sess.mu.Unlock()

	e.mu.Lock()
	e.sessions[sessionID] = sess
	e.mu.Unlock()

	go e.receiveLoop(sess)
	return nil
}

func classifyKind(err error) provider.ErrorKind {
	if ce, ok := err.(*provider.ClassifiedError); ok {
		return ce.Kind
	}
	return provider.KindUnknown
}

// receiveLoop consumes transcript and error events from the upstream
// connection until it closes, forwarding live to the client per spec.md
// §9's resolved open question (STT live-forwarding is authoritative).
func (e *Engine) receiveLoop(sess *session) {
	for {
		select {
		case ev, ok := <-sess.transcr.Transcripts():
			if !ok {
				return
			}
			e.handleTranscript(sess, ev)
		case err, ok := <-sess.transcr.Errors():
			if !ok {
				return
			}
			e.handleUpstreamError(sess, err)
		}
	}
}

func (e *Engine) handleTranscript(sess *session, ev provider.TranscriptEvent) {
	sess.mu.Lock()
	if ev.IsFinal {
		if sess.accumulated.Len() > 0 {
			sess.accumulated.WriteByte(' ')
		}
		sess.accumulated.WriteString(ev.Text)
		truncateToBound(&sess.accumulated, e.maxTranscriptBytes)
	} else {
		sess.interim = ev.Text
	}
	sess.mu.Unlock()

	if e.sink == nil {
		return
	}
	if ev.IsFinal {
		e.sink.Final(sess.id, ev.Text, ev.Confidence)
	} else {
		e.sink.Interim(sess.id, ev.Text, ev.Confidence)
	}
}

// truncateToBound enforces the 50KB accumulatedTranscript cap (spec.md
// §3.2/§4.4.4, testable property 6) by dropping oldest bytes FIFO.
func truncateToBound(b *strings.Builder, maxBytes int) {
	if b.Len() <= maxBytes {
		return
	}
	s := b.String()
	b.Reset()
	b.WriteString(s[len(s)-maxBytes:])
	metrics.STTTranscriptTruncations.Inc()
}

func (e *Engine) handleUpstreamError(sess *session, err error) {
	kind := classifyKind(err)
	metrics.Errors.WithLabelValues("stt", kind.String()).Inc()
	if !kind.Retryable() {
		sess.mu.Lock()
		sess.connState = StateError
		sess.mu.Unlock()
		return
	}
	e.reconnect(sess)
}

// reconnect runs the fast mid-stream schedule (spec.md §4.4.2). On exhaustion
// the session moves to ERROR; subsequent audio chunks are dropped.
func (e *Engine) reconnect(sess *session) {
	sess.mu.Lock()
	sess.connState = StateReconnecting
	sess.reconnectAttempt++
	sess.mu.Unlock()

	retrier := provider.NewRetrier(provider.FastReconnectSchedule)
	metrics.STTReconnectAttempts.Inc()
	err := retrier.Do(context.Background(), func(ctx context.Context) error {
		return sess.transcr.Connect(ctx, sess.opts)
	})

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err != nil {
		sess.connState = StateError
		metrics.STTReconnectFailures.Inc()
		slog.Warn("stt: reconnect exhausted, session moved to ERROR", "session_id", sess.id)
		return
	}
	sess.connState = StateConnected
	metrics.STTReconnectSuccesses.Inc()
	// No new receiveLoop goroutine here: the one already running (it called
	// handleUpstreamError -> reconnect synchronously) resumes its for-loop
	// and re-reads Transcripts()/Errors(), which now point at the fresh
	// channels Connect just installed.
}

// ForwardChunk drops the chunk, logging a warning, when the session is not
// CONNECTED. Otherwise it writes the chunk upstream synchronously, so it
// blocks for the duration of that write; a write error runs the reconnect
// path inline before ForwardChunk returns.
func (e *Engine) ForwardChunk(sessionID uuid.UUID, pcm16 []byte) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	state := sess.connState
	sess.mu.Unlock()
	if state != StateConnected {
		slog.Warn("stt: dropping audio chunk, session not connected", "session_id", sessionID, "state", state)
		return
	}

	if err := sess.transcr.SendAudio(context.Background(), pcm16); err != nil {
		e.handleUpstreamError(sess, err)
		return
	}
	sess.mu.Lock()
	sess.chunksForwarded++
	sess.mu.Unlock()
}

// EndSession finalizes the upstream connection and returns the accumulated
// transcript (empty string on failure — graceful degradation per spec.md
// §4.4.1).
func (e *Engine) EndSession(ctx context.Context, sessionID uuid.UUID) string {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return ""
	}

	sess.mu.Lock()
	transcript := sess.accumulated.String()
	sess.mu.Unlock()

	if err := sess.transcr.Close(ctx); err != nil {
		slog.Warn("stt: error closing upstream on endSession", "session_id", sessionID, "error", err)
	}
	return transcript
}
