// Package config loads the two layers of configuration the reference
// gateway splits apart: per-process deployment settings (credentials,
// endpoints, ports) from the environment, and tunable behavior knobs from an
// optional JSON file, defaulting gracefully when the file is absent or
// malformed.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Deployment holds process-wide settings read once at startup. Missing
// provider credentials fail startup, not session creation (spec.md §6.3).
type Deployment struct {
	Addr string

	STTEndpoint string
	STTAPIKey   string

	LLMEndpoint string
	LLMAPIKey   string
	LLMModel    string

	TTSEndpoint string
	TTSAPIKey   string
	TTSVoice    string

	TuningPath string
}

// LoadDeployment reads Deployment from the environment and fails with an
// error (not a panic or os.Exit) when a required credential is missing, so
// callers (main, tests) control the failure mode.
func LoadDeployment() (Deployment, error) {
	d := Deployment{
		Addr:        envStr("GATEWAY_ADDR", ":8080"),
		STTEndpoint: envStr("STT_ENDPOINT", ""),
		STTAPIKey:   envStr("STT_API_KEY", ""),
		LLMEndpoint: envStr("LLM_ENDPOINT", ""),
		LLMAPIKey:   envStr("LLM_API_KEY", ""),
		LLMModel:    envStr("LLM_MODEL", "gpt-4o-mini"),
		TTSEndpoint: envStr("TTS_ENDPOINT", ""),
		TTSAPIKey:   envStr("TTS_API_KEY", ""),
		TTSVoice:    envStr("TTS_VOICE", "default"),
		TuningPath:  envStr("GATEWAY_TUNING_PATH", "gateway.json"),
	}
	missing := []string{}
	if d.STTAPIKey == "" {
		missing = append(missing, "STT_API_KEY")
	}
	if d.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if d.TTSAPIKey == "" {
		missing = append(missing, "TTS_API_KEY")
	}
	if len(missing) > 0 {
		return d, fmt.Errorf("config: missing required credentials: %v", missing)
	}
	return d, nil
}

// Tuning holds the behavior knobs enumerated in spec.md §6.3.
type Tuning struct {
	StreamingBreakMarker   string
	StreamingMaxBufferSize int
	StreamingSequentialTTS bool

	LLMMaxMessages int
	LLMTemperature float64
	LLMMaxTokens   int

	STTSessionMax     time.Duration
	STTInactivityMax  time.Duration
	STTMaxTranscriptB int

	TTSMaxTextChars          int
	TTSReconnectBufferMaxB   int
	TTSKeepAlive             time.Duration
	SupervisorCleanupInterval time.Duration
}

// DefaultTuning returns every spec.md §6.3 default.
func DefaultTuning() Tuning {
	return Tuning{
		StreamingBreakMarker:      "||BREAK||",
		StreamingMaxBufferSize:    400,
		StreamingSequentialTTS:    true,
		LLMMaxMessages:            50,
		LLMTemperature:            0.7,
		LLMMaxTokens:              500,
		STTSessionMax:             3_600_000 * time.Millisecond,
		STTInactivityMax:          300_000 * time.Millisecond,
		STTMaxTranscriptB:         50_000,
		TTSMaxTextChars:           10_000,
		TTSReconnectBufferMaxB:    50_000,
		TTSKeepAlive:              30_000 * time.Millisecond,
		SupervisorCleanupInterval: 300_000 * time.Millisecond,
	}
}

// tuningFile is the on-disk JSON shape; an absent field (nil pointer) keeps
// the default, while an explicit value, including 0, is applied.
type tuningFile struct {
	StreamingBreakMarker      *string  `json:"streaming.breakMarker"`
	StreamingMaxBufferSize    *int     `json:"streaming.maxBufferSize"`
	StreamingSequentialTTS    *bool    `json:"streaming.sequentialTTS"`
	LLMMaxMessages            *int     `json:"llm.maxMessages"`
	LLMTemperature            *float64 `json:"llm.temperature"`
	LLMMaxTokens              *int     `json:"llm.maxTokens"`
	STTSessionMaxMs           *int     `json:"stt.sessionMaxMs"`
	STTInactivityMaxMs        *int     `json:"stt.inactivityMaxMs"`
	STTMaxTranscriptBytes     *int     `json:"stt.maxTranscriptBytes"`
	TTSMaxTextChars           *int     `json:"tts.maxTextChars"`
	TTSReconnectBufferMaxBytes *int    `json:"tts.reconnectBufferMaxBytes"`
	TTSKeepAliveMs            *int     `json:"tts.keepAliveMs"`
	SupervisorCleanupIntervalMs *int   `json:"supervisor.cleanupIntervalMs"`
}

// LoadTuning reads path and overlays it onto DefaultTuning(). A missing or
// malformed file is not fatal: it is logged and defaults are used, exactly
// the reference gateway's loadTuning behavior.
func LoadTuning(path string) Tuning {
	t := DefaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("tuning file unreadable, using defaults", "path", path, "error", err)
		} else {
			slog.Info("no tuning file found, using defaults", "path", path)
		}
		return t
	}
	var f tuningFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("tuning file malformed, using defaults", "path", path, "error", err)
		return t
	}
	applyTuning(&t, f)
	slog.Info("tuning loaded", "path", path)
	return t
}

func applyTuning(t *Tuning, f tuningFile) {
	if f.StreamingBreakMarker != nil {
		t.StreamingBreakMarker = *f.StreamingBreakMarker
	}
	if f.StreamingMaxBufferSize != nil {
		t.StreamingMaxBufferSize = *f.StreamingMaxBufferSize
	}
	if f.StreamingSequentialTTS != nil {
		t.StreamingSequentialTTS = *f.StreamingSequentialTTS
	}
	if f.LLMMaxMessages != nil {
		t.LLMMaxMessages = *f.LLMMaxMessages
	}
	if f.LLMTemperature != nil {
		t.LLMTemperature = *f.LLMTemperature
	}
	if f.LLMMaxTokens != nil {
		t.LLMMaxTokens = *f.LLMMaxTokens
	}
	if f.STTSessionMaxMs != nil {
		t.STTSessionMax = time.Duration(*f.STTSessionMaxMs) * time.Millisecond
	}
	if f.STTInactivityMaxMs != nil {
		t.STTInactivityMax = time.Duration(*f.STTInactivityMaxMs) * time.Millisecond
	}
	if f.STTMaxTranscriptBytes != nil {
		t.STTMaxTranscriptB = *f.STTMaxTranscriptBytes
	}
	if f.TTSMaxTextChars != nil {
		t.TTSMaxTextChars = *f.TTSMaxTextChars
	}
	if f.TTSReconnectBufferMaxBytes != nil {
		t.TTSReconnectBufferMaxB = *f.TTSReconnectBufferMaxBytes
	}
	if f.TTSKeepAliveMs != nil {
		t.TTSKeepAlive = time.Duration(*f.TTSKeepAliveMs) * time.Millisecond
	}
	if f.SupervisorCleanupIntervalMs != nil {
		t.SupervisorCleanupInterval = time.Duration(*f.SupervisorCleanupIntervalMs) * time.Millisecond
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
