// Package chunker implements the Semantic Chunker: it buffers an LLM token
// stream, splits at an inline break marker into prosodically-sized text
// chunks, and dispatches each chunk to TTS strictly sequentially — awaiting
// one chunk's full completion before submitting the next.
//
// Adapted from the reference gateway's sentenceBuffer (which splits on
// sentence punctuation via a buffered-channel producer/consumer handoff)
// to marker-based splitting with a strictly sequential await: each chunk is
// dispatched by a blocking Synthesize call that returns only when that
// chunk's synthesis ends, with no channel between chunker and TTS.
package chunker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/voicegateway/voicegateway/internal/metrics"
)

// Synthesizer is the subset of the TTS Engine the chunker drives: it must
// block until the chunk's audio.output.complete has been observed, which is
// what gives the chunker's sequential dispatch its ordering guarantee.
type Synthesizer interface {
	// Synthesize blocks until the utterance completes (or errors/cancels).
	Synthesize(ctx context.Context, text string) error
}

// Chunker buffers tokens for one LLM response and dispatches chunks
// sequentially to a Synthesizer. One Chunker is created per generateResponse
// call (it holds no cross-turn state) and implements llm.ChunkSink.
type Chunker struct {
	ctx         context.Context
	breakMarker string
	safetyCap   int
	tts         Synthesizer

	buf strings.Builder
}

// New builds a Chunker scoped to one LLM turn. breakMarker and safetyCap
// come from streaming.breakMarker / streaming.maxBufferSize (spec.md §6.3).
// sequential is streaming.sequentialTTS: this Chunker only ever implements
// strictly-sequential dispatch (the ordering guarantee callers rely on), so
// sequential=false is logged and otherwise ignored rather than silently
// accepted — there is no pipelined alternative to fall back to.
func New(ctx context.Context, breakMarker string, safetyCap int, sequential bool, tts Synthesizer) *Chunker {
	if !sequential {
		slog.Warn("chunker: streaming.sequentialTTS=false is not supported, dispatching sequentially anyway")
	}
	return &Chunker{ctx: ctx, breakMarker: breakMarker, safetyCap: safetyCap, tts: tts}
}

// Token accumulates one streamed token, splitting and sequentially
// dispatching any complete chunks it produces (spec.md §4.7.2-§4.7.3).
// Satisfies llm.ChunkSink.
func (c *Chunker) Token(token string) {
	c.buf.WriteString(token)

	if strings.Contains(c.buf.String(), c.breakMarker) {
		c.splitAndDispatch()
		return
	}
	if c.buf.Len() > c.safetyCap {
		slog.Warn("chunker: safety cap reached with no break marker, forcing flush")
		metrics.ChunkerForcedFlush.Inc()
		c.dispatch(c.buf.String())
		c.buf.Reset()
	}
}

// splitAndDispatch splits the buffer on every marker occurrence, dispatches
// every complete segment in order (awaiting each one before the next), and
// keeps the trailing remainder buffered.
func (c *Chunker) splitAndDispatch() {
	full := c.buf.String()
	parts := strings.Split(full, c.breakMarker)
	remainder := parts[len(parts)-1]
	complete := parts[:len(parts)-1]

	for _, seg := range complete {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			continue
		}
		c.dispatch(trimmed)
	}

	c.buf.Reset()
	c.buf.WriteString(remainder)
}

// Flush dispatches any non-empty remainder as a final chunk when the token
// stream ends (spec.md §4.7.2 step 4, §4.7.4 fallback). Satisfies
// llm.ChunkSink; ctx overrides the turn context if provided.
func (c *Chunker) Flush(ctx context.Context) {
	if ctx != nil {
		c.ctx = ctx
	}
	remainder := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if remainder == "" {
		return
	}
	c.dispatch(remainder)
}

func (c *Chunker) dispatch(text string) {
	if c.tts == nil {
		return
	}
	if err := c.tts.Synthesize(c.ctx, text); err != nil {
		slog.Warn("chunker: synthesize returned an error", "error", err)
	}
}
