// Package provider defines the abstract upstream streaming interfaces
// (transcription, chat completion, synthesis) and the shared error
// classification and retry machinery every engine drives them through.
package provider

import (
	"context"
	"time"
)

// ErrorKind classifies an upstream failure for retry/propagation purposes.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindFatal             // 4xx except 429: no retry, propagate.
	KindAuth              // 401/403: no retry, propagate + process-level alert.
	KindRateLimit         // 429: retry, respect RetryAfter.
	KindNetwork           // connection refused/reset: retry, fast schedule.
	KindTimeout           // request/dial timeout: retry, fast schedule.
	KindTransient         // 5xx: retry, moderate schedule.
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind should be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps an upstream error with its classification.
type ClassifiedError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only meaningful for KindRateLimit
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify maps an HTTP status code (or 0 for a transport-level failure) to
// an ErrorKind. timedOut/refused let transport-level callers pass a
// pre-classified transport error when there is no status code at all.
func Classify(statusCode int, timedOut, connRefused bool) ErrorKind {
	switch {
	case timedOut:
		return KindTimeout
	case connRefused:
		return KindNetwork
	case statusCode == 401 || statusCode == 403:
		return KindAuth
	case statusCode == 429:
		return KindRateLimit
	case statusCode >= 500:
		return KindTransient
	case statusCode >= 400:
		return KindFatal
	default:
		return KindUnknown
	}
}

// TranscriptEvent is one interim or final transcript update from upstream.
type TranscriptEvent struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// StreamingTranscriber abstracts a Deepgram-class streaming STT upstream.
type StreamingTranscriber interface {
	// Connect opens the upstream connection for one session.
	Connect(ctx context.Context, opts TranscriberOptions) error
	// SendAudio forwards one PCM16LE chunk.
	SendAudio(ctx context.Context, pcm16 []byte) error
	// Transcripts returns the channel transcript events are delivered on;
	// the channel is closed when the upstream connection ends.
	Transcripts() <-chan TranscriptEvent
	// Errors returns the channel upstream errors are delivered on.
	Errors() <-chan error
	// Close finalizes the upstream connection gracefully.
	Close(ctx context.Context) error
}

// TranscriberOptions configures a StreamingTranscriber.Connect call.
type TranscriberOptions struct {
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Channels       int
	SmartFormat    bool
	InterimResults bool
}

// ChatMessage is one entry of an LLM conversation history.
type ChatMessage struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// StreamingChatCompletion abstracts an OpenAI-class streaming chat upstream.
type StreamingChatCompletion interface {
	// Stream posts the message array and invokes onToken for each token as
	// it arrives. It returns once the stream ends (or ctx is cancelled).
	Stream(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int, onToken func(token string)) error
}

// AudioFrame is one chunk of synthesized PCM16LE audio for an utterance.
type AudioFrame struct {
	UtteranceID string
	PCM16       []byte
	SampleRate  int
}

// StreamingSynthesizer abstracts a Cartesia-class streaming TTS upstream.
type StreamingSynthesizer interface {
	// Connect opens the upstream connection for one session.
	Connect(ctx context.Context, opts SynthesizerOptions) error
	// Synthesize starts producing audio for one utterance; frames are
	// delivered on Frames(), completion/error are signaled on Done()/Errors().
	Synthesize(ctx context.Context, utteranceID, text string) error
	// Cancel aborts the current utterance on the upstream.
	Cancel(ctx context.Context, utteranceID string) error
	Frames() <-chan AudioFrame
	Done() <-chan string // utteranceID of each completed synthesis
	Errors() <-chan error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// SynthesizerOptions configures a StreamingSynthesizer.Connect call.
type SynthesizerOptions struct {
	Voice      string
	ModelID    string
	Language   string
	SampleRate int
}
