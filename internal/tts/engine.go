// Package tts implements the TTS Engine: one upstream streaming synthesis
// connection per session, a strict IDLE/GENERATING/STREAMING state machine,
// and the unconditional listener-cleanup discipline that the reference
// gateway's event-emitter sources made easy to get wrong.
//
// Grounded on the streaming lifecycle of the reference pack's cartesia.TTSService
// (connect, receive-loop, keep-alive ping, context cancellation on
// interruption) and on ManagedStream.internalInterrupt's capture-state-under-
// lock-then-release-then-act discipline: every exit path of synthesize
// releases synthesisMutex and detaches the three upstream listeners exactly
// once, whether the call completed, errored, or was cancelled.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicegateway/voicegateway/internal/audio"
	"github.com/voicegateway/voicegateway/internal/envelope"
	"github.com/voicegateway/voicegateway/internal/metrics"
	"github.com/voicegateway/voicegateway/internal/provider"
)

// State is the per-TTSSession synthesis state machine (spec.md §4.5.1).
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateStreaming
	StateCompleted
	StateCancelled
	StateError
)

// Defaults used when an Engine is built without explicit tuning (e.g. in
// tests); production wiring passes the corresponding config.Tuning fields to
// NewEngine.
const (
	defaultMaxTextChars      = 10_000
	defaultReconnectBufCap   = 50_000 // bytes
	defaultKeepAliveInterval = 30 * time.Second

	upstreamSampleRate = 16_000
)

// FrameSink delivers resampled TTS audio to the client side of the pipeline
// (Transport Hub, via the Orchestrator's envelope encoding).
type FrameSink interface {
	Start(sessionID uuid.UUID, utteranceID string)
	Chunk(sessionID uuid.UUID, utteranceID string, pcm16 []byte)
	Complete(sessionID uuid.UUID, utteranceID string)
}

type connState int

const (
	connConnecting connState = iota
	connConnected
	connReconnecting
	connError
)

type session struct {
	id         uuid.UUID
	clientRate int

	synth provider.StreamingSynthesizer
	voice provider.SynthesizerOptions

	// synthesisMu is the spec's synthesisMutex: held for the duration of one
	// synthesize call. TryLock gives non-blocking rejection of concurrent
	// calls (spec.md §4.5.2).
	synthesisMu sync.Mutex

	mu               sync.Mutex
	state            State
	connState        connState
	currentUtterance string
	cancelCh         chan struct{}
	reconnecting     bool
	reconnectBuf     []string
	totalDowntimeMs  int64
	keepAliveStop    chan struct{}
}

// Engine owns one upstream StreamingSynthesizer connection per session.
type Engine struct {
	factory func() provider.StreamingSynthesizer
	sink    FrameSink

	maxTextChars      int
	reconnectBufCap   int
	keepAliveInterval time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewEngine builds an Engine. maxTextChars, reconnectBufCap, and
// keepAliveInterval come from tts.maxTextChars, tts.reconnectBufferMaxBytes,
// and tts.keepAliveMs (spec.md §6.3); a value <= 0 falls back to this
// package's default.
func NewEngine(factory func() provider.StreamingSynthesizer, sink FrameSink, maxTextChars, reconnectBufCap int, keepAliveInterval time.Duration) *Engine {
	if maxTextChars <= 0 {
		maxTextChars = defaultMaxTextChars
	}
	if reconnectBufCap <= 0 {
		reconnectBufCap = defaultReconnectBufCap
	}
	if keepAliveInterval <= 0 {
		keepAliveInterval = defaultKeepAliveInterval
	}
	return &Engine{
		factory:           factory,
		sink:              sink,
		maxTextChars:      maxTextChars,
		reconnectBufCap:   reconnectBufCap,
		keepAliveInterval: keepAliveInterval,
		sessions:          make(map[uuid.UUID]*session),
	}
}

// CreateSession opens the upstream synthesis connection using the hybrid
// initial-connect retry schedule (spec.md §4.5.4/§9).
func (e *Engine) CreateSession(ctx context.Context, sessionID uuid.UUID, clientSampleRate int, voice provider.SynthesizerOptions) error {
	synth := e.factory()
	sess := &session{
		id:         sessionID,
		clientRate: clientSampleRate,
		synth:      synth,
		voice:      voice,
		connState:  connConnecting,
	}

	retrier := provider.NewRetrier(provider.InitialConnectSchedule)
	err := retrier.Do(ctx, func(ctx context.Context) error {
		return synth.Connect(ctx, voice)
	})
	if err != nil {
		return fmt.Errorf("tts: initial connect failed: %w", err)
	}
	sess.connState = connConnected

	e.mu.Lock()
	e.sessions[sessionID] = sess
	e.mu.Unlock()

	sess.keepAliveStop = make(chan struct{})
	go e.keepAlive(sess)

	return nil
}

// Synthesize implements the spec's synthesize(sessionId, text) contract. It
// blocks until the utterance completes, errors, or is cancelled, which is
// what lets the Semantic Chunker enforce strictly sequential delivery by
// simply awaiting this call before submitting the next chunk.
func (e *Engine) Synthesize(ctx context.Context, sessionID uuid.UUID, text string) (int, error) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("tts: unknown session %s", sessionID)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, nil
	}
	if len(trimmed) > e.maxTextChars {
		trimmed = trimmed[:e.maxTextChars]
	}

	if !sess.synthesisMu.TryLock() {
		metrics.TTSRejectedByMutex.Inc()
		return 0, nil
	}
	defer sess.synthesisMu.Unlock()

	sess.mu.Lock()
	if sess.connState != connConnected {
		sess.reconnectBuf = appendBounded(sess.reconnectBuf, trimmed, e.reconnectBufCap)
		sess.mu.Unlock()
		return 0, nil
	}
	if sess.state != StateIdle {
		metrics.TTSInvalidTransitions.Inc()
		sess.mu.Unlock()
		return 0, nil
	}
	utteranceID := envelope.NewID().String()
	sess.state = StateGenerating
	sess.currentUtterance = utteranceID
	cancelCh := make(chan struct{}, 1)
	sess.cancelCh = cancelCh
	sess.mu.Unlock()

	return e.runSynthesis(ctx, sess, utteranceID, trimmed, cancelCh)
}

// runSynthesis is the critical section described in spec.md §4.5.3: it
// registers the upstream listeners (the frame/close/error channel reads),
// drives the state machine, and unconditionally tears the listeners down on
// every exit path.
func (e *Engine) runSynthesis(ctx context.Context, sess *session, utteranceID, text string, cancelCh chan struct{}) (int, error) {
	e.sink.Start(sess.id, utteranceID)

	if err := sess.synth.Synthesize(ctx, utteranceID, text); err != nil {
		e.transitionTo(sess, StateError)
		e.transitionTo(sess, StateIdle)
		metrics.Errors.WithLabelValues("tts", "synth_submit").Inc()
		return 0, err
	}

	metrics.TTSListenersAttached.Add(3)
	defer metrics.TTSListenersDetached.Add(3)

	start := time.Now()
	frameCount := 0
	totalBytes := 0

	for {
		select {
		case frame, ok := <-sess.synth.Frames():
			if !ok {
				e.transitionTo(sess, StateCompleted)
				e.transitionTo(sess, StateIdle)
				e.sink.Complete(sess.id, utteranceID)
				metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
				return durationMs(totalBytes, sess.clientRate), nil
			}
			if frame.UtteranceID != utteranceID {
				continue
			}
			e.transitionTo(sess, StateStreaming)
			resampled := audio.Resample(frame.PCM16, upstreamSampleRate, sess.clientRate)
			e.sink.Chunk(sess.id, utteranceID, resampled)
			frameCount++
			totalBytes += len(frame.PCM16)

		case doneID, ok := <-sess.synth.Done():
			if !ok {
				continue
			}
			if doneID != utteranceID {
				continue
			}
			// Deliver frames still buffered ahead of the done signal first.
			for drained := false; !drained; {
				select {
				case frame, ok := <-sess.synth.Frames():
					if !ok {
						drained = true
					} else if frame.UtteranceID == utteranceID {
						e.transitionTo(sess, StateStreaming)
						e.sink.Chunk(sess.id, utteranceID, audio.Resample(frame.PCM16, upstreamSampleRate, sess.clientRate))
						totalBytes += len(frame.PCM16)
					}
				default:
					drained = true
				}
			}
			e.transitionTo(sess, StateCompleted)
			e.transitionTo(sess, StateIdle)
			e.sink.Complete(sess.id, utteranceID)
			metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
			return durationMs(totalBytes, sess.clientRate), nil

		case err, ok := <-sess.synth.Errors():
			if !ok {
				continue
			}
			e.transitionTo(sess, StateError)
			e.transitionTo(sess, StateIdle)
			metrics.Errors.WithLabelValues("tts", "upstream").Inc()
			kind := provider.Classify(0, false, false)
			if ce, isCE := asClassified(err); isCE {
				kind = ce.Kind
			}
			if kind.Retryable() {
				go e.reconnect(sess)
			}
			return durationMs(totalBytes, sess.clientRate), err

		case <-cancelCh:
			_ = sess.synth.Cancel(ctx, utteranceID)
			e.transitionTo(sess, StateCancelled)
			e.transitionTo(sess, StateIdle)
			return durationMs(totalBytes, sess.clientRate), nil

		case <-ctx.Done():
			_ = sess.synth.Cancel(context.Background(), utteranceID)
			e.transitionTo(sess, StateCancelled)
			e.transitionTo(sess, StateIdle)
			return durationMs(totalBytes, sess.clientRate), ctx.Err()
		}
	}
}

// Cancel stops the in-flight synthesis for a session, if any (spec.md §4.8
// endSession cascade: {GENERATING, STREAMING} → CANCELLED → IDLE).
func (e *Engine) Cancel(sessionID uuid.UUID) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.cancelSession(sess)
}

// transitionTo enforces the allowed-transition table; invalid transitions
// are rejected silently and counted (spec.md §4.5.1).
func (e *Engine) transitionTo(sess *session, to State) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	from := sess.state
	if !allowedTransition(from, to) {
		metrics.TTSInvalidTransitions.Inc()
		return
	}
	sess.state = to
	if to == StateIdle {
		sess.currentUtterance = ""
		sess.cancelCh = nil
	}
}

func allowedTransition(from, to State) bool {
	switch to {
	case StateGenerating:
		return from == StateIdle
	case StateStreaming:
		return from == StateGenerating || from == StateStreaming
	case StateCompleted:
		return from == StateStreaming || from == StateGenerating
	case StateError:
		return true
	case StateCancelled:
		return from == StateGenerating || from == StateStreaming
	case StateIdle:
		return from == StateCompleted || from == StateError || from == StateCancelled
	}
	return false
}

// reconnect runs the fast mid-stream reconnect schedule and replays any text
// buffered while disconnected, in insertion order (spec.md §4.5.4).
func (e *Engine) reconnect(sess *session) {
	sess.mu.Lock()
	if sess.reconnecting {
		sess.mu.Unlock()
		return
	}
	sess.reconnecting = true
	sess.connState = connReconnecting
	downtimeStart := time.Now()
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		sess.reconnecting = false
		sess.mu.Unlock()
	}()

	retrier := provider.NewRetrier(provider.FastReconnectSchedule)
	metrics.TTSReconnectAttempts.Inc()
	err := retrier.Do(context.Background(), func(ctx context.Context) error {
		return sess.synth.Connect(ctx, sess.voice)
	})

	sess.mu.Lock()
	sess.totalDowntimeMs += time.Since(downtimeStart).Milliseconds()
	if err != nil {
		sess.connState = connError
		sess.mu.Unlock()
		metrics.TTSReconnectFailures.Inc()
		slog.Warn("tts: reconnect exhausted retry schedule", "session_id", sess.id)
		return
	}
	sess.connState = connConnected
	buffered := sess.reconnectBuf
	sess.reconnectBuf = nil
	sess.mu.Unlock()
	metrics.TTSReconnectSuccesses.Inc()

	for _, text := range buffered {
		e.Synthesize(context.Background(), sess.id, text)
	}
}

// keepAlive pings the upstream socket every keepAliveInterval (30s by
// default) while connected (spec.md
// §4.5.5). A failed ping is the only out-of-band signal of an idle
// connection drop (one with no in-flight synthesize call to observe an
// Errors() event directly), so it doubles as that detector and triggers
// reconnection.
func (e *Engine) keepAlive(sess *session) {
	ticker := time.NewTicker(e.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sess.mu.Lock()
			connected := sess.connState == connConnected
			sess.mu.Unlock()
			if !connected {
				continue
			}
			if err := sess.synth.Ping(context.Background()); err != nil {
				slog.Warn("tts: keep-alive ping failed", "session_id", sess.id, "error", err)
				go e.reconnect(sess)
			}
		case <-sess.keepAliveStop:
			return
		}
	}
}

// EndSession cancels any in-flight synthesis and closes the upstream
// connection.
func (e *Engine) EndSession(ctx context.Context, sessionID uuid.UUID) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.cancelSession(sess)
	close(sess.keepAliveStop)
	_ = sess.synth.Close(ctx)
}

// cancelSession signals the in-flight synthesize call (if any) to stop,
// without looking the session back up by id — used on the teardown path
// where the session has already been removed from the registry.
func (e *Engine) cancelSession(sess *session) {
	sess.mu.Lock()
	ch := sess.cancelCh
	busy := sess.state == StateGenerating || sess.state == StateStreaming
	sess.mu.Unlock()
	if busy && ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// appendBounded appends text and drops the oldest entries while the total
// buffered text exceeds maxBytes.
func appendBounded(buf []string, text string, maxBytes int) []string {
	buf = append(buf, text)
	total := 0
	for _, s := range buf {
		total += len(s)
	}
	for len(buf) > 0 && total > maxBytes {
		total -= len(buf[0])
		buf = buf[1:]
	}
	return buf
}

func durationMs(pcmBytes, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	samples := pcmBytes / 2
	return samples * 1000 / sampleRate
}

func asClassified(err error) (*provider.ClassifiedError, bool) {
	ce, ok := err.(*provider.ClassifiedError)
	return ce, ok
}
