// Package llm implements the LLM Engine: per-session conversation history
// with a pinned system message, per-session request serialization, streamed
// token consumption handed to the Semantic Chunker, and the 3-tier fallback
// policy on consecutive failure.
//
// History-bound pruning is grounded on the ConversationSession.AddMessage
// shape in the example pack's local orchestrator, but deliberately diverges
// from it: that implementation trims uniformly from the front with no
// system-message exemption, which would violate the system-message-pinned
// invariant this engine must hold (see DESIGN.md).
package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicegateway/voicegateway/internal/metrics"
	"github.com/voicegateway/voicegateway/internal/provider"
)

// Message is one LLMContext history entry (spec.md §3.3).
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// ChunkSink is driven synchronously, per token, by the engine; it is
// implemented by the Semantic Chunker (spec.md §4.6.2 step 4).
type ChunkSink interface {
	// Token is called once per streamed token.
	Token(token string)
	// Flush is called once the upstream token stream ends, to flush any
	// buffered remainder and await its TTS completion.
	Flush(ctx context.Context)
}

// FallbackSink receives the three canned fallback utterances in place of a
// chunked response, bypassing the chunker (spec.md §4.6.3).
type FallbackSink interface {
	SpeakFallback(ctx context.Context, text string)
}

// defaultMaxMessages is used when an Engine is built without an explicit
// bound (e.g. in tests); production wiring passes config.Tuning.LLMMaxMessages
// via NewEngine.
const defaultMaxMessages = 50

// fallbackTiers are the three escalating canned utterances (spec.md §4.6.3).
var fallbackTiers = []string{
	"I apologize, can you repeat that?",
	"I'm experiencing technical difficulties. Please hold.",
	"I apologize, I'm having connection issues. I'll have someone call you back.",
}

// context_ is the per-session LLMContext (spec.md §3.3), named with a
// trailing underscore to avoid shadowing the stdlib context package.
type context_ struct {
	mu sync.Mutex

	messages     []Message
	failureCount int
	isProcessing bool
	queue        []string
}

// Engine drives one StreamingChatCompletion per generateResponse call,
// reusing the session's history across calls.
type Engine struct {
	client      provider.StreamingChatCompletion
	temperature float64
	maxTokens   int
	maxMessages int
	systemProm  string

	chunkerFor  func(sessionID uuid.UUID) ChunkSink
	fallbackFor func(sessionID uuid.UUID) FallbackSink

	mu       sync.Mutex
	sessions map[uuid.UUID]*context_
}

// NewEngine builds an Engine. chunkerFor/fallbackFor are looked up
// per-session because each session owns its own chunker/TTS wiring.
// maxMessages is llm.maxMessages (spec.md §6.3); a value <= 0 falls back to
// defaultMaxMessages.
func NewEngine(client provider.StreamingChatCompletion, systemPrompt string, temperature float64, maxTokens, maxMessages int,
	chunkerFor func(sessionID uuid.UUID) ChunkSink, fallbackFor func(sessionID uuid.UUID) FallbackSink) *Engine {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &Engine{
		client:      client,
		temperature: temperature,
		maxTokens:   maxTokens,
		maxMessages: maxMessages,
		systemProm:  systemPrompt,
		chunkerFor:  chunkerFor,
		fallbackFor: fallbackFor,
		sessions:    make(map[uuid.UUID]*context_),
	}
}

func (e *Engine) contextFor(sessionID uuid.UUID) *context_ {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.sessions[sessionID]
	if !ok {
		ctx = &context_{messages: []Message{{Role: "system", Content: e.systemProm, Timestamp: time.Now()}}}
		e.sessions[sessionID] = ctx
	}
	return ctx
}

// GenerateResponse is asynchronous: it appends the user message, and either
// starts processing immediately or enqueues behind an in-flight request
// (spec.md §4.6.1/§4.6.2). It never rejects based on queue size.
func (e *Engine) GenerateResponse(ctx context.Context, sessionID uuid.UUID, userMessage string) {
	llmCtx := e.contextFor(sessionID)

	llmCtx.mu.Lock()
	llmCtx.messages = append(llmCtx.messages, Message{Role: "user", Content: userMessage, Timestamp: time.Now()})
	e.pruneLocked(llmCtx)
	if llmCtx.isProcessing {
		llmCtx.queue = append(llmCtx.queue, userMessage)
		llmCtx.mu.Unlock()
		return
	}
	llmCtx.isProcessing = true
	llmCtx.mu.Unlock()

	go e.process(ctx, sessionID, llmCtx)
}

func (e *Engine) process(ctx context.Context, sessionID uuid.UUID, llmCtx *context_) {
	for {
		llmCtx.mu.Lock()
		history := append([]Message(nil), llmCtx.messages...)
		llmCtx.mu.Unlock()

		start := time.Now()
		chunker := e.chunkerFor(sessionID)
		var assembled strings.Builder
		streamErr := e.client.Stream(ctx, toChatMessages(history), e.temperature, e.maxTokens, func(token string) {
			assembled.WriteString(token)
			if chunker != nil {
				chunker.Token(token)
			}
		})
		metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())

		if streamErr != nil {
			llmCtx.mu.Lock()
			llmCtx.failureCount++
			tier := llmCtx.failureCount
			llmCtx.mu.Unlock()
			metrics.Errors.WithLabelValues("llm", "stream_failure").Inc()
			e.emitFallback(ctx, sessionID, llmCtx, tier)
		} else {
			if chunker != nil {
				chunker.Flush(ctx)
			}
			llmCtx.mu.Lock()
			llmCtx.messages = append(llmCtx.messages, Message{Role: "assistant", Content: assembled.String(), Timestamp: time.Now()})
			llmCtx.failureCount = 0
			e.pruneLocked(llmCtx)
			llmCtx.mu.Unlock()
		}

		llmCtx.mu.Lock()
		if len(llmCtx.queue) == 0 {
			llmCtx.isProcessing = false
			llmCtx.mu.Unlock()
			return
		}
		// The queued user message was already appended to llmCtx.messages
		// by GenerateResponse; the queue only tracks that another request
		// is pending so the loop re-reads history and streams again.
		llmCtx.queue = llmCtx.queue[1:]
		llmCtx.mu.Unlock()
	}
}

// emitFallback appends and speaks one of the three escalating canned
// utterances (spec.md §4.6.3), bypassing the chunker.
func (e *Engine) emitFallback(ctx context.Context, sessionID uuid.UUID, llmCtx *context_, tier int) {
	idx := tier - 1
	if idx >= len(fallbackTiers) {
		idx = len(fallbackTiers) - 1
	}
	text := fallbackTiers[idx]

	llmCtx.mu.Lock()
	llmCtx.messages = append(llmCtx.messages, Message{Role: "assistant", Content: text, Timestamp: time.Now()})
	e.pruneLocked(llmCtx)
	llmCtx.mu.Unlock()

	metrics.LLMFallbackTier.WithLabelValues(tierLabel(tier)).Inc()
	slog.Warn("llm: emitting fallback tier", "session_id", sessionID, "tier", tier)

	if e.fallbackFor == nil {
		return
	}
	sink := e.fallbackFor(sessionID)
	if sink != nil {
		sink.SpeakFallback(ctx, text)
	}
}

func tierLabel(tier int) string {
	switch {
	case tier <= 1:
		return "1"
	case tier == 2:
		return "2"
	default:
		return "3+"
	}
}

// pruneLocked enforces the maxMessages bound while pinning the system
// message at index 0 (spec.md §3.3/§4.6.4, testable property 7). Caller
// must hold llmCtx.mu.
func (e *Engine) pruneLocked(llmCtx *context_) {
	if len(llmCtx.messages) <= e.maxMessages {
		return
	}
	system := llmCtx.messages[0]
	rest := llmCtx.messages[1:]
	overflow := len(llmCtx.messages) - e.maxMessages
	if overflow >= len(rest) {
		llmCtx.messages = []Message{system}
		return
	}
	pruned := make([]Message, 0, e.maxMessages)
	pruned = append(pruned, system)
	pruned = append(pruned, rest[overflow:]...)
	llmCtx.messages = pruned
}

func toChatMessages(history []Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, len(history))
	for i, m := range history {
		out[i] = provider.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// EndSession discards sessionID's conversation history. Safe to call for an
// unknown sessionID (no-op).
func (e *Engine) EndSession(sessionID uuid.UUID) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// History returns a defensive copy of a session's message history, for
// tests and diagnostics.
func (e *Engine) History(sessionID uuid.UUID) []Message {
	llmCtx := e.contextFor(sessionID)
	llmCtx.mu.Lock()
	defer llmCtx.mu.Unlock()
	return append([]Message(nil), llmCtx.messages...)
}
