package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicegateway/voicegateway/internal/config"
	"github.com/voicegateway/voicegateway/internal/llm"
	"github.com/voicegateway/voicegateway/internal/pipeline"
	"github.com/voicegateway/voicegateway/internal/provider"
	"github.com/voicegateway/voicegateway/internal/provider/ssellm"
	"github.com/voicegateway/voicegateway/internal/provider/wssynth"
	"github.com/voicegateway/voicegateway/internal/provider/wstranscriber"
	"github.com/voicegateway/voicegateway/internal/session"
	"github.com/voicegateway/voicegateway/internal/stt"
	"github.com/voicegateway/voicegateway/internal/supervisor"
	"github.com/voicegateway/voicegateway/internal/transport"
	"github.com/voicegateway/voicegateway/internal/tts"
)

const sttModel = "nova-2"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	deploy, err := config.LoadDeployment()
	if err != nil {
		slog.Error("config: failed to load deployment settings", "error", err)
		os.Exit(1)
	}
	tuning := config.LoadTuning(deploy.TuningPath)

	hub := transport.NewHub()
	voice := provider.SynthesizerOptions{Voice: deploy.TTSVoice}
	orch := pipeline.NewOrchestrator(hub, tuning, voice)

	sttEngine := stt.NewEngine(func() provider.StreamingTranscriber {
		return wstranscriber.New(deploy.STTAPIKey, sttModel)
	}, orch, tuning.STTMaxTranscriptB)

	llmClient := ssellm.New(deploy.LLMAPIKey, deploy.LLMEndpoint, deploy.LLMModel)
	systemPrompt := "You are a helpful voice assistant. Keep responses concise and conversational."
	llmEngine := llm.NewEngine(llmClient, systemPrompt, tuning.LLMTemperature, tuning.LLMMaxTokens, tuning.LLMMaxMessages, orch.ChunkerFor, orch.FallbackFor)

	ttsEngine := tts.NewEngine(func() provider.StreamingSynthesizer {
		return wssynth.New(deploy.TTSAPIKey)
	}, orch, tuning.TTSMaxTextChars, tuning.TTSReconnectBufferMaxB, tuning.TTSKeepAlive)

	orch.SetEngines(sttEngine, llmEngine, ttsEngine)

	registry := orch.Registry()
	ctx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	registry.StartSweep(ctx, tuning.SupervisorCleanupInterval)
	defer registry.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewServer(hub, orch))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: deploy.Addr, Handler: mux}

	sup := supervisor.New(srv, registryAdapter{registry})
	if err := sup.Run(); err != nil {
		slog.Error("voicegateway: server failed", "error", err)
		os.Exit(1)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// registryAdapter narrows *session.Registry to the supervisor.Registry
// interface so the supervisor package doesn't need to import session.
type registryAdapter struct {
	reg *session.Registry
}

func (a registryAdapter) Count() int            { return a.reg.Count() }
func (a registryAdapter) DeleteAll(reason string) { a.reg.DeleteAll(reason) }
