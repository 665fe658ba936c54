// Package metrics holds the process-wide Prometheus registrations for the
// voice gateway, extending the shape of the reference gateway's metrics
// package with the counters spec.md's testable properties need observability
// over.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegateway_sessions_active",
		Help: "Number of sessions currently in ACTIVE or IDLE state.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_sessions_created_total",
		Help: "Total sessions created.",
	})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegateway_sessions_ended_total",
		Help: "Total sessions ended, by reason.",
	}, []string{"reason"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "voicegateway_stage_duration_seconds",
		Help: "Duration of a pipeline stage.",
	}, []string{"stage"})
	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "voicegateway_e2e_duration_seconds",
		Help: "End-to-end duration of one conversation turn.",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegateway_errors_total",
		Help: "Errors by stage and classified kind.",
	}, []string{"stage", "kind"})

	ResampleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_resample_errors_total",
		Help: "Resample calls that fell back to passthrough due to a malformed buffer.",
	})

	STTReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_stt_reconnect_attempts_total",
		Help: "STT upstream reconnection attempts.",
	})
	STTReconnectSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_stt_reconnect_successes_total",
		Help: "STT upstream reconnection successes.",
	})
	STTReconnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_stt_reconnect_failures_total",
		Help: "STT upstream reconnection failures (session moved to ERROR).",
	})
	STTTranscriptTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_stt_transcript_truncations_total",
		Help: "Times accumulatedTranscript was truncated to its byte bound.",
	})

	TTSReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_reconnect_attempts_total",
		Help: "TTS upstream reconnection attempts.",
	})
	TTSReconnectSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_reconnect_successes_total",
		Help: "TTS upstream reconnection successes.",
	})
	TTSReconnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_reconnect_failures_total",
		Help: "TTS upstream reconnection failures.",
	})
	TTSRejectedByMutex = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_rejected_by_mutex_total",
		Help: "synthesize() calls rejected because synthesisMutex was held.",
	})
	TTSListenersAttached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_listeners_attached_total",
		Help: "Upstream source listeners registered by the TTS engine.",
	})
	TTSListenersDetached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_listeners_detached_total",
		Help: "Upstream source listeners removed by the TTS engine.",
	})
	TTSInvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_tts_invalid_transitions_total",
		Help: "Rejected (no-op) TTS state machine transitions.",
	})

	LLMFallbackTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegateway_llm_fallback_tier_total",
		Help: "LLM fallback utterances emitted, by tier.",
	}, []string{"tier"})

	ChunkerForcedFlush = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_chunker_forced_flush_total",
		Help: "Times the chunker's safety cap forced a flush with no break marker seen.",
	})

	SweepSessionsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegateway_sweep_sessions_removed_total",
		Help: "Sessions removed by the cleanup sweep (aged or idle).",
	})
)
